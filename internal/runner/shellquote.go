package runner

import (
	"fmt"
	"regexp"
	"strings"
)

// shellQuote wraps s in single quotes, escaping any embedded single quote,
// so it is safe to interpolate into a POSIX shell command line. This is a
// security invariant for SSH/SLURM script generation, not an optimization:
// every path and filename that reaches a remote shell must go through here.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// allowListPattern restricts SLURM directive values (partition, account,
// QoS, module names) to a conservative charset. Partition, account and QoS
// then go into #SBATCH lines as-is; module names are also shell-quoted.
var allowListPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validateAllowListed(field, value string) error {
	if value == "" {
		return nil
	}
	if !allowListPattern.MatchString(value) {
		return fmt.Errorf("%s %q contains characters outside the allowed set [A-Za-z0-9_.-]", field, value)
	}
	return nil
}
