// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/grailbio/cellgraph/errors"
	"github.com/grailbio/cellgraph/kernel"
	"github.com/mattn/go-shellwords"
)

// DefaultInterpreter is the interpreter used by Shell when none is
// configured.
const DefaultInterpreter = "sh -c"

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Shell runs shell scripts. Each input is passed to the script as an
// environment variable of the same name: strings verbatim, other
// values as JSON. The script's standard output determines its
// outputs: a JSON object maps output names to values; any other
// output is the (whitespace-trimmed) string value of the worker's
// only output.
type Shell struct {
	// Interpreter is the command line that runs a script, which is
	// passed as its final argument.
	Interpreter string
}

type script struct {
	argv []string
}

// Compile implements kernel.CodeRunner.
func (s *Shell) Compile(lang, source string) (kernel.Unit, error) {
	interp := s.Interpreter
	if interp == "" {
		interp = DefaultInterpreter
	}
	argv, err := shellwords.Parse(interp)
	if err != nil {
		return nil, errors.E("compile", interp, errors.Invalid, err)
	}
	if len(argv) == 0 {
		return nil, errors.E("compile", errors.Invalid, errors.New("empty interpreter"))
	}
	return script{append(argv, source)}, nil
}

// Invoke implements kernel.CodeRunner.
func (s *Shell) Invoke(ctx context.Context, unit kernel.Unit, ns *kernel.Namespace) (map[string]interface{}, error) {
	sc, ok := unit.(script)
	if !ok {
		return nil, errors.E("invoke", errors.Invalid, errors.Errorf("unexpected unit type %T", unit))
	}
	env, err := environ(ns.Inputs)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sc.argv[0], sc.argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%v: %s", err, msg)
		}
		return nil, errors.E("invoke", sc.argv[0], err)
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && out[0] == '{' {
		var outputs map[string]interface{}
		if err := json.Unmarshal(out, &outputs); err == nil {
			return outputs, nil
		}
	}
	names := ns.Outputs()
	if len(names) != 1 {
		return nil, errors.E("invoke", errors.Invalid, errors.Errorf("script output must be a JSON object for %d outputs", len(names)))
	}
	return map[string]interface{}{names[0]: string(out)}, nil
}

func environ(inputs map[string]interface{}) ([]string, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]string, 0, len(names))
	for _, name := range names {
		if !envName.MatchString(name) {
			return nil, errors.E("invoke", name, errors.Invalid, errors.New("input name is not a valid environment variable"))
		}
		var val string
		switch v := inputs[name].(type) {
		case string:
			val = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, errors.E("invoke", name, errors.Construction, err)
			}
			val = string(b)
		}
		env = append(env, name+"="+val)
	}
	return env, nil
}
