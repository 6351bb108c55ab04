package core

import "fmt"

// BuildArguments assembles the prover argv after the executable:
//
//	+RTS -N<cores> -RTS <theory> --prove[=<lemma>] <options...> -D=<flag>... --output=<output>
func BuildArguments(theory, lemma string, cores int, options, flags []string, output string) []string {
	args := make([]string, 0, 6+len(options)+len(flags))
	args = append(args, "+RTS", fmt.Sprintf("-N%d", cores), "-RTS", theory)
	if lemma == "" {
		args = append(args, "--prove")
	} else {
		args = append(args, "--prove="+lemma)
	}
	args = append(args, options...)
	for _, f := range flags {
		args = append(args, "-D="+f)
	}
	return append(args, "--output="+output)
}
