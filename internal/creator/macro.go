package creator

import "strings"

// Macros are the placeholders both BootstrapRule payload templating and
// the on-error handler activity templating substitute into a data string.
// The original had two near-identical inline .replace() chains for this;
// consolidated here into one helper since the duplication was accidental,
// not a deliberate design choice.
type Macros struct {
	PypelineDir string
	ErrorMsg    string
	FailedProc  string
}

// Expand substitutes every recognized "$NAME" macro in template with its
// value from m. Unset fields substitute as an empty string.
func Expand(template string, m Macros) string {
	replacer := strings.NewReplacer(
		"$PYPELINE_DIR", m.PypelineDir,
		"$ERROR_MSG", m.ErrorMsg,
		"$FAILED_PROC", m.FailedProc,
	)
	return replacer.Replace(template)
}
