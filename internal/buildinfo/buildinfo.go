// Package buildinfo carries version metadata injected at link time.
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"service": "syncgate",
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}
