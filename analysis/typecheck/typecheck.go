package typecheck

import (
	"go/ast"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
	"golang.org/x/tools/go/types/typeutil"
)

var Analyzer = &analysis.Analyzer{
	Name: "loom_typecheck",
	Doc: `check loom func and operator arguments

Best-effort static typechecking for loom programs, surfacing at build
time errors that loom otherwise reports by panicking during table
construction or session runs:

  - loom.Func implementations must take serializable arguments
  - session.Run and session.Must must pass arguments compatible with
    the named Func
  - loom.Fold functions must have the form func(acc, ...) acc
  - loom.Filter predicates must return a single bool
  - loom.Repartition functions must have the form func(int, ...) int

Checks are limited by static analysis. For example, the call
	session.Must(ctx, chooseFunc(), args...)
cannot be checked, because the func value is not a simple identifier.
Column types are not tracked across tables, so operator checks are
confined to function shapes.`,
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

const (
	funcFullName        = "github.com/grailbio/loom.Func"
	foldFullName        = "github.com/grailbio/loom.Fold"
	filterFullName      = "github.com/grailbio/loom.Filter"
	repartitionFullName = "github.com/grailbio/loom.Repartition"
	execMustFullName    = "(*github.com/grailbio/loom/exec.Session).Must"
	execRunFullName     = "(*github.com/grailbio/loom/exec.Session).Run"
)

func run(pass *analysis.Pass) (interface{}, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	funcs := declaredFuncs(pass, inspect)
	inspect.Preorder([]ast.Node{&ast.CallExpr{}}, func(node ast.Node) {
		call := node.(*ast.CallExpr)
		fn := typeutil.StaticCallee(pass.TypesInfo, call)
		if fn == nil {
			return
		}
		switch fn.FullName() {
		case execRunFullName, execMustFullName:
			checkRun(pass, funcs, call)
		case foldFullName:
			checkFold(pass, call)
		case filterFullName:
			checkFilter(pass, call)
		case repartitionFullName:
			checkRepartition(pass, call)
		}
	})
	return nil, nil
}

// declaredFuncs returns the signatures of the package's top-level
// loom.Func declarations, keyed by the declared name, reporting Func
// implementations whose arguments cannot be transmitted to workers.
// Funcs whose arguments fail the check are omitted so that each
// mistake is reported just once.
func declaredFuncs(pass *analysis.Pass, inspect *inspector.Inspector) map[string]*types.Signature {
	funcs := map[string]*types.Signature{}
	inspect.Preorder([]ast.Node{&ast.ValueSpec{}}, func(node ast.Node) {
		spec := node.(*ast.ValueSpec)
		for i, value := range spec.Values {
			call, ok := value.(*ast.CallExpr)
			if !ok {
				continue
			}
			fn := typeutil.StaticCallee(pass.TypesInfo, call)
			if fn == nil || fn.FullName() != funcFullName || len(call.Args) != 1 {
				continue
			}
			impl := pass.TypesInfo.TypeOf(call.Args[0])
			sig, ok := impl.Underlying().(*types.Signature)
			if !ok {
				pass.ReportRangef(call.Args[0],
					"loom type error: argument to loom.Func must be a function, not %v", impl)
				continue
			}
			serializable := true
			for j := 0; j < sig.Params().Len(); j++ {
				param := sig.Params().At(j)
				switch param.Type().Underlying().(type) {
				case *types.Chan, *types.Signature:
					pass.Reportf(param.Pos(),
						"loom type error: Func argument %q [%d] has unserializable type %s",
						param.Name(), j, param.Type())
					serializable = false
				}
			}
			if serializable {
				funcs[spec.Names[i].Name] = sig
			}
		}
	})
	return funcs
}

// checkRun verifies that the arguments of a session.Run or
// session.Must call match the signature of the named Func.
func checkRun(pass *analysis.Pass, funcs map[string]*types.Signature, call *ast.CallExpr) {
	if len(call.Args) < 2 {
		return
	}
	ident, ok := call.Args[1].(*ast.Ident)
	if !ok {
		// The func value is computed, not named. Give up on this call.
		return
	}
	sig, ok := funcs[ident.Name]
	if !ok {
		return
	}
	params := sig.Params()
	args := call.Args[2:]
	if want, got := params.Len(), len(args); want != got {
		pass.ReportRangef(ident,
			"loom type error: %s requires %d arguments, but got %d", ident.Name, want, got)
		return
	}
	for i, arg := range args {
		want := params.At(i).Type()
		got := pass.TypesInfo.TypeOf(arg)
		if !types.AssignableTo(got, want) {
			pass.ReportRangef(arg,
				"loom type error: func %q argument %q [%d] requires %v, but got %v",
				ident.Name, params.At(i).Name(), i, want, got)
		}
	}
}

// checkFold verifies that a fold function folds values into an
// accumulator of its own return type: func(acc, v2, ..., vn) acc.
func checkFold(pass *analysis.Pass, call *ast.CallExpr) {
	sig := operatorFunc(pass, call)
	if sig == nil {
		return
	}
	if sig.Results().Len() != 1 {
		pass.ReportRangef(call.Args[1],
			"loom type error: fold functions must return exactly one value")
		return
	}
	if sig.Params().Len() < 2 {
		pass.ReportRangef(call.Args[1],
			"loom type error: fold functions take an accumulator and at least one column value")
		return
	}
	acc, ret := sig.Params().At(0).Type(), sig.Results().At(0).Type()
	if !types.Identical(acc, ret) {
		pass.ReportRangef(call.Args[1],
			"loom type error: fold function returns %v, but accumulates %v", ret, acc)
	}
}

// checkFilter verifies that a filter predicate returns a single bool.
func checkFilter(pass *analysis.Pass, call *ast.CallExpr) {
	sig := operatorFunc(pass, call)
	if sig == nil {
		return
	}
	results := sig.Results()
	if results.Len() == 1 {
		if basic, ok := results.At(0).Type().Underlying().(*types.Basic); ok && basic.Kind() == types.Bool {
			return
		}
	}
	pass.ReportRangef(call.Args[1],
		"loom type error: filter predicates must return a single bool")
}

// checkRepartition verifies that a repartition function receives the
// shard count and returns a shard number: func(nshard int, ...) int.
func checkRepartition(pass *analysis.Pass, call *ast.CallExpr) {
	sig := operatorFunc(pass, call)
	if sig == nil {
		return
	}
	if results := sig.Results(); results.Len() != 1 || !isInt(results.At(0).Type()) {
		pass.ReportRangef(call.Args[1],
			"loom type error: repartition functions must return a shard number (int)")
		return
	}
	if params := sig.Params(); params.Len() < 2 || !isInt(params.At(0).Type()) {
		pass.ReportRangef(call.Args[1],
			"loom type error: repartition functions have the form func(nshard int, v1, ..., vn) int")
	}
}

// operatorFunc returns the signature of an operator call's function
// argument, or nil if the call cannot be checked statically. Variadic
// functions are rejected at run time with caller attribution, so they
// are not double-reported here.
func operatorFunc(pass *analysis.Pass, call *ast.CallExpr) *types.Signature {
	if len(call.Args) < 2 {
		return nil
	}
	sig, ok := pass.TypesInfo.TypeOf(call.Args[1]).Underlying().(*types.Signature)
	if !ok || sig.Variadic() {
		return nil
	}
	return sig
}

func isInt(typ types.Type) bool {
	basic, ok := typ.Underlying().(*types.Basic)
	return ok && basic.Kind() == types.Int
}
