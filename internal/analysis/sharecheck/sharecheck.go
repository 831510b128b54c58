// Package sharecheck defines an Analyzer that rejects concurrent use of
// thread-bound values.
//
// A type is thread-bound when it, or a struct, pointer, slice or array it is
// built from, contains a field of a type named threadBound. Such values may
// be moved to another goroutine but never used from two at once. A value is
// handed off by a go statement that captures or receives it, or by a channel
// send. The analyzer reports a hand-off when
//
//   - the function refers to the value again afterwards (this includes a
//     second hand-off),
//   - a defer registered before the hand-off refers to it, or
//   - the hand-off sits in a loop and the value is declared outside that loop.
//
// Variables initialised from one another (q := p, b := p.Borrow(),
// v := View{owner: p}) count as the same value.
package sharecheck

import (
	"go/ast"
	"go/token"
	"go/types"
	"slices"
	"sort"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// MarkerName is the type name that makes a struct thread-bound.
const MarkerName = "threadBound"

var Analyzer = &analysis.Analyzer{
	Name:     "sharecheck",
	Doc:      "report thread-bound values shared between a goroutine and its spawner",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (interface{}, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{
		(*ast.FuncDecl)(nil),
		(*ast.FuncLit)(nil),
	}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch fn := n.(type) {
		case *ast.FuncDecl:
			if fn.Body != nil {
				checkBody(pass, fn.Body)
			}
		case *ast.FuncLit:
			checkBody(pass, fn.Body)
		}
	})
	return nil, nil
}

// site is a point where a thread-bound value leaves the function: a go
// statement or a channel send.
type site struct {
	node  ast.Node
	carry ast.Node // the part of node that carries values across
	send  bool     // node is an *ast.SendStmt
	loop  ast.Node // innermost enclosing loop within the same function, if any
}

// checkBody inspects the hand-offs that belong to one function body.
// Hand-offs inside nested function literals are checked when the literal
// itself is visited.
func checkBody(pass *analysis.Pass, body *ast.BlockStmt) {
	var (
		sites  []site
		defers []*ast.DeferStmt
		loops  []ast.Node
		stack  []ast.Node
	)
	same := make(aliases)
	ast.Inspect(body, func(n ast.Node) bool {
		if n == nil {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(loops) > 0 && loops[len(loops)-1] == top {
				loops = loops[:len(loops)-1]
			}
			return true
		}
		var innermost ast.Node
		if len(loops) > 0 {
			innermost = loops[len(loops)-1]
		}
		switch s := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.GoStmt:
			sites = append(sites, site{node: s, carry: s.Call, loop: innermost})
			return false
		case *ast.SendStmt:
			sites = append(sites, site{node: s, carry: s.Value, send: true, loop: innermost})
		case *ast.DeferStmt:
			defers = append(defers, s)
			return false
		case *ast.AssignStmt:
			if len(s.Lhs) == len(s.Rhs) {
				for i := range s.Lhs {
					same.link(pass, s.Lhs[i], s.Rhs[i])
				}
			}
		case *ast.ValueSpec:
			if len(s.Names) == len(s.Values) {
				for i := range s.Names {
					same.link(pass, s.Names[i], s.Values[i])
				}
			}
		case *ast.ForStmt, *ast.RangeStmt:
			loops = append(loops, n)
		}
		stack = append(stack, n)
		return true
	})

	for _, st := range sites {
		for _, v := range capturedVars(pass, st) {
			checkVar(pass, body, st, defers, v, same.group(v))
		}
	}
}

func checkVar(pass *analysis.Pass, body *ast.BlockStmt, st site, defers []*ast.DeferStmt, v *types.Var, group []*types.Var) {
	pos := st.node.Pos()

	if st.loop != nil {
		for _, u := range group {
			if within(u.Pos(), st.loop) {
				continue
			}
			if st.send {
				pass.Reportf(pos, "thread-bound %s declared outside the loop is sent on every iteration", u.Name())
			} else {
				pass.Reportf(pos, "thread-bound %s declared outside the loop is shared with every goroutine the loop starts", u.Name())
			}
			return
		}
	}

	for _, d := range defers {
		if d.Pos() < pos && refersTo(pass, d.Call, group) {
			if st.send {
				pass.Reportf(pos, "thread-bound %s is sent on a channel while a deferred call of the sender still uses it", v.Name())
			} else {
				pass.Reportf(pos, "thread-bound %s is shared with this goroutine while a deferred call of its spawner still uses it", v.Name())
			}
			return
		}
	}

	use, by := firstUseAfter(pass, body, group, st.node.End())
	if !use.IsValid() {
		return
	}
	line := pass.Fset.Position(use).Line
	switch {
	case st.send && by == v:
		pass.Reportf(pos, "thread-bound %s is sent on a channel and used again by the sender at line %d", v.Name(), line)
	case st.send:
		pass.Reportf(pos, "thread-bound %s is sent on a channel and used again by the sender through %s at line %d", v.Name(), by.Name(), line)
	case by == v:
		pass.Reportf(pos, "thread-bound %s is shared with this goroutine and used again by its spawner at line %d", v.Name(), line)
	default:
		pass.Reportf(pos, "thread-bound %s is shared with this goroutine and used again by its spawner through %s at line %d", v.Name(), by.Name(), line)
	}
}

// aliases is a union-find over thread-bound variables that refer to the
// same value.
type aliases map[*types.Var]*types.Var

func (a aliases) find(v *types.Var) *types.Var {
	for {
		p, ok := a[v]
		if !ok || p == v {
			return v
		}
		v = p
	}
}

func (a aliases) union(x, y *types.Var) {
	rx, ry := a.find(x), a.find(y)
	if _, ok := a[rx]; !ok {
		a[rx] = rx
	}
	if _, ok := a[ry]; !ok {
		a[ry] = ry
	}
	if rx != ry {
		a[rx] = ry
	}
}

// link records that the thread-bound variable assigned by lhs is derived
// from every thread-bound variable rhs mentions.
func (a aliases) link(pass *analysis.Pass, lhs ast.Expr, rhs ast.Expr) {
	id, ok := lhs.(*ast.Ident)
	if !ok {
		return
	}
	obj := pass.TypesInfo.Defs[id]
	if obj == nil {
		obj = pass.TypesInfo.Uses[id]
	}
	v, ok := obj.(*types.Var)
	if !ok || v.IsField() || !isThreadBound(v.Type()) {
		return
	}
	for _, src := range threadBoundVars(pass, rhs, nil) {
		a.union(v, src)
	}
}

// group returns v and every variable linked to it, in declaration order.
func (a aliases) group(v *types.Var) []*types.Var {
	root := a.find(v)
	group := []*types.Var{v}
	for u := range a {
		if u != v && a.find(u) == root {
			group = append(group, u)
		}
	}
	sort.Slice(group, func(i, j int) bool { return group[i].Pos() < group[j].Pos() })
	return group
}

// capturedVars returns the thread-bound variables declared outside the
// hand-off that it carries, as call arguments, receivers, closure captures
// or sent values.
func capturedVars(pass *analysis.Pass, st site) []*types.Var {
	return threadBoundVars(pass, st.carry, st.node)
}

// threadBoundVars lists the thread-bound variables n refers to, skipping
// those declared inside skip.
func threadBoundVars(pass *analysis.Pass, n ast.Node, skip ast.Node) []*types.Var {
	var vars []*types.Var
	seen := make(map[*types.Var]bool)
	ast.Inspect(n, func(n ast.Node) bool {
		id, ok := n.(*ast.Ident)
		if !ok {
			return true
		}
		v, ok := pass.TypesInfo.Uses[id].(*types.Var)
		if !ok || v.IsField() || seen[v] || (skip != nil && within(v.Pos(), skip)) {
			return true
		}
		if isThreadBound(v.Type()) {
			seen[v] = true
			vars = append(vars, v)
		}
		return true
	})
	return vars
}

func firstUseAfter(pass *analysis.Pass, body *ast.BlockStmt, group []*types.Var, after token.Pos) (token.Pos, *types.Var) {
	first := token.NoPos
	var by *types.Var
	ast.Inspect(body, func(n ast.Node) bool {
		if first.IsValid() {
			return false
		}
		id, ok := n.(*ast.Ident)
		if !ok || id.Pos() <= after {
			return true
		}
		if v, ok := pass.TypesInfo.Uses[id].(*types.Var); ok && slices.Contains(group, v) {
			first, by = id.Pos(), v
		}
		return true
	})
	return first, by
}

func refersTo(pass *analysis.Pass, n ast.Node, group []*types.Var) bool {
	found := false
	ast.Inspect(n, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok {
			if v, ok := pass.TypesInfo.Uses[id].(*types.Var); ok && slices.Contains(group, v) {
				found = true
			}
		}
		return !found
	})
	return found
}

func within(pos token.Pos, n ast.Node) bool {
	return pos >= n.Pos() && pos < n.End()
}

// isThreadBound reports whether values of t carry a threadBound marker.
func isThreadBound(t types.Type) bool {
	return reaches(t, make(map[types.Type]bool))
}

func reaches(t types.Type, seen map[types.Type]bool) bool {
	t = types.Unalias(t)
	if seen[t] {
		return false
	}
	seen[t] = true

	switch u := t.(type) {
	case *types.Named:
		if u.Obj().Name() == MarkerName {
			return true
		}
		return reaches(u.Underlying(), seen)
	case *types.Pointer:
		return reaches(u.Elem(), seen)
	case *types.Slice:
		return reaches(u.Elem(), seen)
	case *types.Array:
		return reaches(u.Elem(), seen)
	case *types.Struct:
		for i := 0; i < u.NumFields(); i++ {
			if reaches(u.Field(i).Type(), seen) {
				return true
			}
		}
	}
	return false
}
