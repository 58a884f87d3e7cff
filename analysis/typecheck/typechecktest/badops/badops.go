// Exercises the static checks on table operator arguments.
//
// This is a correctly-typed Go program, but the fold, filter and
// repartition arguments below do not have the shapes loom requires;
// each earns a diagnostic from the static typechecker.
package main

import "github.com/grailbio/loom"

func main() {
	tab := loom.Const(2, []string{"a", "b"}, []int{1, 2})
	_ = loom.Fold(tab, func(acc string, count int) int { return count })
	_ = loom.Filter(tab, func(key string, count int) int { return count })
	_ = loom.Repartition(tab, func(key string, count int) int { return 0 })
}
