// Tests the static table typechecker.
//
// This is a correctly-typed Go program (even though it's incomplete and thus
// not runnable, for simplicity). However, its loom Func invocation is
// incorrectly typed, and the static typechecker find that, in this case.
package main

import (
	"context"

	"github.com/grailbio/loom"
	"github.com/grailbio/loom/exec"
)

var testFunc = loom.Func(func(argInt int, argString string) loom.Table {
	return nil
})

func main() {
	ctx := context.Background()
	var session *exec.Session
	_ = session.Must(ctx, testFunc, "i should be an int", "i'm ok")
}
