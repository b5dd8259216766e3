package version

// VERSION is set at build time with -ldflags "-X ...version.VERSION=v1.2.3".
var VERSION = "(devel)"

// AppVersion identifies this program in events and user agents.
func AppVersion() string {
	return "demprep/" + VERSION
}
