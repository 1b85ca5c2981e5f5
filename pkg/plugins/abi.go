package plugins

import (
	"encoding/binary"
	"fmt"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// ABIVersion is the capability table layout this host understands.
const ABIVersion uint32 = 1

// EntryPoint is the single export every dynamic plugin provides. It takes no
// arguments and returns (ptr << 32) | len of its capability table.
const EntryPoint = "froyo_plugin_table"

// Numeric kind codes used in the table.
const (
	kindCodeConnection uint32 = 1
	kindCodeShell      uint32 = 2
	kindCodeCallback   uint32 = 3
)

// maxTableSize bounds the capability table read from guest memory.
const maxTableSize = 64 << 10

// Operation slots, in table order, per kind.
var slotNames = map[Kind][]string{
	KindConnection: {"open", "exec", "put", "fetch", "close"},
	KindShell:      {"quote", "mktemp", "join", "rmdir"},
	KindCallback:   {"events", "on_event"},
}

// Slots returns the operation slot names for kind, in table order.
func Slots(kind Kind) []string {
	return append([]string(nil), slotNames[kind]...)
}

// Table is a decoded capability table. Ops maps each slot name to the export
// implementing it.
type Table struct {
	Version uint32
	Kind    Kind
	Name    string
	Ops     map[string]string
}

func kindFromCode(code uint32) (Kind, bool) {
	switch code {
	case kindCodeConnection:
		return KindConnection, true
	case kindCodeShell:
		return KindShell, true
	case kindCodeCallback:
		return KindCallback, true
	default:
		return "", false
	}
}

func kindCode(kind Kind) uint32 {
	switch kind {
	case KindConnection:
		return kindCodeConnection
	case KindShell:
		return kindCodeShell
	case KindCallback:
		return kindCodeCallback
	default:
		return 0
	}
}

// DecodeTable parses a capability table. The version is read and checked
// before any other field, so a table from a different ABI is rejected with
// PluginVersionMismatch no matter what follows it.
//
// Layout (little-endian):
//
//	u32 version | u32 kind | u32 name_len | name |
//	u32 op_count | op_count x (u32 len | export name)
func DecodeTable(buf []byte) (*Table, error) {
	r := tableReader{buf: buf}

	version, ok := r.u32()
	if !ok {
		return nil, loadError("capability table is shorter than its version field")
	}
	if version != ABIVersion {
		return nil, errs.Newf(errs.CodePluginVersionMismatch,
			"plugin declares ABI version %d, host expects %d", version, ABIVersion).
			WithDetail("declared", version).
			WithDetail("expected", ABIVersion)
	}

	code, ok := r.u32()
	if !ok {
		return nil, loadError("capability table is truncated before kind")
	}
	kind, ok := kindFromCode(code)
	if !ok {
		return nil, loadError(fmt.Sprintf("capability table has unknown kind %d", code))
	}

	name, ok := r.str()
	if !ok || name == "" {
		return nil, loadError("capability table has no plugin name")
	}

	count, ok := r.u32()
	if !ok {
		return nil, loadError("capability table is truncated before op count")
	}
	slots := slotNames[kind]
	if int(count) != len(slots) {
		return nil, loadError(fmt.Sprintf("%s table lists %d operations, want %d", kind, count, len(slots)))
	}

	table := &Table{Version: version, Kind: kind, Name: name, Ops: make(map[string]string, count)}
	for _, slot := range slots {
		export, ok := r.str()
		if !ok || export == "" {
			return nil, loadError(fmt.Sprintf("capability table has no export for %s", slot))
		}
		table.Ops[slot] = export
	}
	return table, nil
}

// EncodeTable renders t in the layout DecodeTable reads. Plugin SDKs and
// tests use it to build tables.
func EncodeTable(t Table) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, t.Version)
	out = binary.LittleEndian.AppendUint32(out, kindCode(t.Kind))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(t.Name)))
	out = append(out, t.Name...)

	slots := slotNames[t.Kind]
	out = binary.LittleEndian.AppendUint32(out, uint32(len(slots)))
	for _, slot := range slots {
		export := t.Ops[slot]
		out = binary.LittleEndian.AppendUint32(out, uint32(len(export)))
		out = append(out, export...)
	}
	return out
}

func loadError(msg string) error {
	return errs.New(errs.CodePluginLoad, msg)
}

type tableReader struct {
	buf []byte
	off int
}

func (r *tableReader) u32() (uint32, bool) {
	if len(r.buf)-r.off < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

func (r *tableReader) str() (string, bool) {
	n, ok := r.u32()
	if !ok || uint64(n) > uint64(len(r.buf)-r.off) {
		return "", false
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, true
}
