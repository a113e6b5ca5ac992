package protocol

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dtufleet/uartcenter/internal/model"
)

// scriptEnv is everything a non-standard instruction script may see. The
// descriptor source is the admin-managed protocol collection; keeping the
// environment to two values and no host functions is the sandbox.
type scriptEnv struct {
	Pid      int    `expr:"pid"`
	Instruct string `expr:"instruct"`
}

// compileScript compiles a descriptor's scriptStart expression once. The
// expression must evaluate to the hex string the node will transmit.
func compileScript(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(scriptEnv{}), expr.AsKind(reflect.String))
}

// runScript evaluates a compiled scriptStart program for one (pid,
// instruction) pair.
func runScript(prog *vm.Program, pid int, inst model.Instruct) (string, error) {
	out, err := expr.Run(prog, scriptEnv{Pid: pid, Instruct: inst.Name})
	if err != nil {
		return "", fmt.Errorf("run scriptStart: %w", err)
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("scriptStart returned %T, want string", out)
	}
	return s, nil
}
