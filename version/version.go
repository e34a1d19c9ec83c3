// Package version provides default versions, user-agents etc. for client identification.
package version

var (
	DefaultExtendedHandshakeClientVersion string
	// This should be updated when client behaviour changes in a way that other peers could care
	// about.
	DefaultBep20Prefix   = "-qS0010-"
	DefaultHttpUserAgent string
	DefaultUpnpId        string
)

func init() {
	DefaultExtendedHandshakeClientVersion = "quietswarm 0.1.0"
	DefaultUpnpId = "quietswarm 0.1.0"
	// Per https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/User-Agent#library_and_net_tool_ua_strings
	DefaultHttpUserAgent = "quietswarm/0.1.0"
}
