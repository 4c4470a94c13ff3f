package storetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/jrhy/castore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
)

// RunModel drives stores from newStore with random command sequences
// and checks every result against a simple model of tables and rows.
func RunModel(t *testing.T, policy castore.WritePolicy, newStore Factory) {
	parameters := gopter.DefaultTestParameters()
	if testing.Short() {
		parameters.MinSuccessfulTests = 20
	}
	properties := gopter.NewProperties(parameters)
	properties.Property("store model", ModelProp(policy, newStore))
	properties.TestingRun(t)
}

// ModelProp is the property RunModel checks, for callers that want to
// pick their own parameters or reporter.
func ModelProp(policy castore.WritePolicy, newStore Factory) gopter.Prop {
	return commands.Prop(storeCommands(policy, newStore))
}

type modelTable struct {
	typ  castore.ContentType
	rows []map[string]any
	keys map[string]struct{}
}

// model is the expected state. Commands never modify a model in place;
// NextState returns a changed copy.
type model struct {
	policy castore.WritePolicy
	names  []string
	tables map[string]*modelTable
	// outcome is the error kind the last changing command should have
	// failed with, or nil.
	outcome error
}

func newModel(policy castore.WritePolicy) *model {
	return &model{policy: policy, tables: map[string]*modelTable{}}
}

func (m *model) clone() *model {
	n := &model{
		policy: m.policy,
		names:  append([]string(nil), m.names...),
		tables: make(map[string]*modelTable, len(m.tables)),
	}
	for name, t := range m.tables {
		nt := &modelTable{
			typ:  t.typ,
			rows: append([]map[string]any(nil), t.rows...),
			keys: make(map[string]struct{}, len(t.keys)),
		}
		for k := range t.keys {
			nt.keys[k] = struct{}{}
		}
		n.tables[name] = nt
	}
	return n
}

func (m *model) create(name string, typ castore.ContentType) *modelTable {
	t := &modelTable{typ: typ, keys: map[string]struct{}{}}
	m.names = append(m.names, name)
	m.tables[name] = t
	return t
}

// rowKey identifies row content. Generated rows hold only strings and
// float64s, whose JSON encoding with sorted keys is canonical.
func rowKey(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	return string(b)
}

type system struct {
	store castore.Store
}

func pass() *gopter.PropResult {
	return &gopter.PropResult{Status: gopter.PropTrue}
}

func fail(format string, args ...interface{}) *gopter.PropResult {
	return &gopter.PropResult{
		Status: gopter.PropFalse,
		Labels: []string{fmt.Sprintf(format, args...)},
	}
}

// checkOutcome compares a command's error result with the expected kind.
func checkOutcome(name string, want error, result commands.Result) *gopter.PropResult {
	err, _ := result.(error)
	if result != nil && err == nil {
		return fail("%s: unexpected result %T %v", name, result, result)
	}
	switch {
	case want == nil && err != nil:
		return fail("%s: unexpected error: %v", name, err)
	case want != nil && err == nil:
		return fail("%s: expected %v, got success", name, want)
	case want != nil && !errors.Is(err, want):
		return fail("%s: expected %v, got %v", name, want, err)
	}
	return pass()
}

func sameRows(expected, actual []map[string]any) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i := range expected {
		if !reflect.DeepEqual(expected[i], actual[i]) {
			return false
		}
	}
	return true
}

func fragmentFields(d *castore.Document, name string) ([]map[string]any, error) {
	t, ok := d.Table(name)
	if !ok {
		return nil, fmt.Errorf("fragment has no table %s: %v", name, d.Names())
	}
	out := make([]map[string]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Fields
	}
	return out, nil
}

type createTableCommand struct {
	name string
	typ  castore.ContentType
}

func (c createTableCommand) Run(s commands.SystemUnderTest) commands.Result {
	err := s.(*system).store.CreateTable(ctx, c.name, c.typ)
	if err != nil {
		return err
	}
	return nil
}

func (c createTableCommand) NextState(state commands.State) commands.State {
	m := state.(*model).clone()
	if t, ok := m.tables[c.name]; ok {
		if t.typ != c.typ {
			m.outcome = castore.ErrTypeMismatch
		}
		return m
	}
	m.create(c.name, c.typ)
	return m
}

func (c createTableCommand) PreCondition(commands.State) bool { return true }

func (c createTableCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkOutcome(c.String(), state.(*model).outcome, result)
}

func (c createTableCommand) String() string {
	return fmt.Sprintf("CreateTable(%s,%s)", c.name, c.typ)
}

type writePart struct {
	name string
	typ  castore.ContentType
	rows []map[string]any
}

type writeCommand []writePart

func (c writeCommand) Run(s commands.SystemUnderTest) commands.Result {
	doc := castore.NewDocument()
	for _, p := range c {
		t := &castore.Table{Type: p.typ}
		for _, r := range p.rows {
			t.Rows = append(t.Rows, castore.NewRow(r))
		}
		doc.Set(p.name, t)
	}
	err := s.(*system).store.Write(ctx, doc)
	if err != nil {
		return err
	}
	return nil
}

func (c writeCommand) NextState(state commands.State) commands.State {
	m := state.(*model).clone()
	for _, p := range c {
		t, ok := m.tables[p.name]
		switch {
		case ok && t.typ != p.typ:
			m.outcome = castore.ErrTypeMismatch
		case !ok && m.policy == castore.RequireTable:
			m.outcome = castore.ErrTableMissing
		default:
			continue
		}
		rejected := state.(*model).clone()
		rejected.outcome = m.outcome
		return rejected
	}
	for _, p := range c {
		t, ok := m.tables[p.name]
		if !ok {
			t = m.create(p.name, p.typ)
		}
		for _, r := range p.rows {
			k := rowKey(r)
			if _, dup := t.keys[k]; dup {
				continue
			}
			t.keys[k] = struct{}{}
			t.rows = append(t.rows, r)
		}
	}
	return m
}

func (c writeCommand) PreCondition(commands.State) bool { return true }

func (c writeCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return checkOutcome(c.String(), state.(*model).outcome, result)
}

func (c writeCommand) String() string {
	s := "Write("
	for i, p := range c {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s:%s%v", p.name, p.typ, p.rows)
	}
	return s + ")"
}

// readRowCommand reads the row at index in the store's own dump, or an
// unknown hash when there is no such row.
type readRowCommand struct {
	name  string
	index int
}

func (c readRowCommand) Run(s commands.SystemUnderTest) commands.Result {
	store := s.(*system).store
	d, err := store.Dump(ctx)
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	hash := "no-such-row"
	if t, ok := d.Table(c.name); ok && c.index < len(t.Rows) {
		hash = t.Rows[c.index].Hash
	}
	frag, err := store.ReadRow(ctx, c.name, hash)
	if err != nil {
		return err
	}
	rows, err := fragmentFields(frag, c.name)
	if err != nil {
		return err
	}
	return rows
}

func (c readRowCommand) NextState(state commands.State) commands.State { return state }

func (c readRowCommand) PreCondition(commands.State) bool { return true }

func (c readRowCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	m := state.(*model)
	t, ok := m.tables[c.name]
	switch {
	case !ok:
		return checkOutcome(c.String(), castore.ErrTableNotFound, result)
	case c.index >= len(t.rows):
		return checkOutcome(c.String(), castore.ErrRowNotFound, result)
	}
	actual, isRows := result.([]map[string]any)
	if !isRows {
		return fail("%s: expected a row, got %v", c, result)
	}
	expected := t.rows[c.index : c.index+1]
	if !sameRows(expected, actual) {
		return fail("%s: expected %v, got %v", c, expected, actual)
	}
	return pass()
}

func (c readRowCommand) String() string {
	return fmt.Sprintf("ReadRow(%s,#%d)", c.name, c.index)
}

type readRowsCommand struct {
	name  string
	where map[string]any
}

func (c readRowsCommand) Run(s commands.SystemUnderTest) commands.Result {
	frag, err := s.(*system).store.ReadRows(ctx, c.name, c.where)
	if err != nil {
		return err
	}
	rows, err := fragmentFields(frag, c.name)
	if err != nil {
		return err
	}
	return rows
}

func (c readRowsCommand) NextState(state commands.State) commands.State { return state }

func (c readRowsCommand) PreCondition(commands.State) bool { return true }

func (c readRowsCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	t, ok := state.(*model).tables[c.name]
	if !ok {
		return checkOutcome(c.String(), castore.ErrTableNotFound, result)
	}
	actual, isRows := result.([]map[string]any)
	if !isRows {
		return fail("%s: expected rows, got %v", c, result)
	}
	var expected []map[string]any
	for _, r := range t.rows {
		match := true
		for k, v := range c.where {
			if got, present := r[k]; !present || !reflect.DeepEqual(got, v) {
				match = false
				break
			}
		}
		if match {
			expected = append(expected, r)
		}
	}
	if !sameRows(expected, actual) {
		return fail("%s: expected %v, got %v", c, expected, actual)
	}
	return pass()
}

func (c readRowsCommand) String() string {
	return fmt.Sprintf("ReadRows(%s,%v)", c.name, c.where)
}

var tablesCommand = &commands.ProtoCommand{
	Name: "Tables",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		names, err := s.(*system).store.Tables(ctx)
		if err != nil {
			return err
		}
		return names
	},
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		expected := state.(*model).names
		actual, ok := result.([]string)
		if !ok {
			return fail("Tables: %v", result)
		}
		if len(expected) != len(actual) || (len(expected) > 0 && !reflect.DeepEqual(expected, actual)) {
			return fail("Tables: expected %v, got %v", expected, actual)
		}
		return pass()
	},
}

var dumpCommand = &commands.ProtoCommand{
	Name: "Dump",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		d, err := s.(*system).store.Dump(ctx)
		if err != nil {
			return err
		}
		return d
	},
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		m := state.(*model)
		d, ok := result.(*castore.Document)
		if !ok {
			return fail("Dump: %v", result)
		}
		if d.Hash == "" {
			return fail("Dump: no aggregate hash")
		}
		if d.Len() != len(m.names) {
			return fail("Dump: expected tables %v, got %v", m.names, d.Names())
		}
		for i, name := range d.Names() {
			if name != m.names[i] {
				return fail("Dump: expected tables %v, got %v", m.names, d.Names())
			}
			expected := m.tables[name]
			actual, _ := d.Table(name)
			if actual.Type != expected.typ {
				return fail("Dump: table %s type %s, expected %s", name, actual.Type, expected.typ)
			}
			rows, _ := fragmentFields(d, name)
			if !sameRows(expected.rows, rows) {
				return fail("Dump: table %s expected %v, got %v", name, expected.rows, rows)
			}
			seen := map[string]struct{}{}
			for _, r := range actual.Rows {
				if r.Hash == "" {
					return fail("Dump: table %s has a row without hash", name)
				}
				if _, dup := seen[r.Hash]; dup {
					return fail("Dump: table %s repeats hash %s", name, r.Hash)
				}
				seen[r.Hash] = struct{}{}
			}
		}
		return pass()
	},
}

var (
	genTableName = gen.OneConstOf("a", "b", "c")
	genType      = gen.OneConstOf(castore.Properties, castore.Cakes)
	// Rows come from a small pool so writes often repeat content.
	genRows = gen.SliceOfN(3, gen.IntRange(-2, 8)).Map(func(ix []int) []map[string]any {
		var rows []map[string]any
		for _, i := range ix {
			if i >= 0 {
				rows = append(rows, poolRow(i))
			}
		}
		return rows
	})
	genWritePart = gopter.CombineGens(genTableName, genType, genRows).Map(func(v []interface{}) writePart {
		return writePart{
			name: v[0].(string),
			typ:  v[1].(castore.ContentType),
			rows: v[2].([]map[string]any),
		}
	})
	genWrite = gopter.CombineGens(genWritePart, genWritePart, gen.Bool()).Map(func(v []interface{}) commands.Command {
		first, second := v[0].(writePart), v[1].(writePart)
		if v[2].(bool) && first.name != second.name {
			return writeCommand{first, second}
		}
		return writeCommand{first}
	})
	genCreateTable = gopter.CombineGens(genTableName, genType).Map(func(v []interface{}) commands.Command {
		return createTableCommand{name: v[0].(string), typ: v[1].(castore.ContentType)}
	})
	genReadRow = gopter.CombineGens(genTableName, gen.IntRange(0, 4)).Map(func(v []interface{}) commands.Command {
		return readRowCommand{name: v[0].(string), index: v[1].(int)}
	})
	genReadRows = gopter.CombineGens(genTableName, gen.IntRange(0, 5)).Map(func(v []interface{}) commands.Command {
		return readRowsCommand{name: v[0].(string), where: poolWhere(v[1].(int))}
	})
)

func poolRow(i int) map[string]any {
	vs := []string{"x", "y", "z"}
	if i == 8 {
		return map[string]any{"v": "x"}
	}
	return map[string]any{"k": float64(i % 3), "v": vs[i/3]}
}

func poolWhere(i int) map[string]any {
	switch i {
	case 0:
		return map[string]any{}
	case 1:
		return map[string]any{"k": 0.0}
	case 2:
		return map[string]any{"v": "x"}
	case 3:
		return map[string]any{"k": 1.0, "v": "y"}
	case 4:
		return map[string]any{"w": "x"}
	}
	return map[string]any{"k": 2.0, "v": "x"}
}

func storeCommands(policy castore.WritePolicy, newStore Factory) *commands.ProtoCommands {
	return &commands.ProtoCommands{
		NewSystemUnderTestFunc: func(commands.State) commands.SystemUnderTest {
			s := newStore()
			if err := s.Ready(ctx); err != nil {
				panic(fmt.Sprintf("ready: %v", err))
			}
			return &system{store: s}
		},
		InitialStateGen: gen.Const(policy).Map(func(p castore.WritePolicy) *model {
			return newModel(p)
		}),
		GenCommandFunc: func(commands.State) gopter.Gen {
			return gen.Weighted([]gen.WeightedGen{
				{Weight: 10, Gen: genCreateTable},
				{Weight: 40, Gen: genWrite},
				{Weight: 20, Gen: genReadRow},
				{Weight: 20, Gen: genReadRows},
				{Weight: 5, Gen: gen.Const(tablesCommand)},
				{Weight: 5, Gen: gen.Const(dumpCommand)},
			})
		},
	}
}
