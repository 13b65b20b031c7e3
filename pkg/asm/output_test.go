package asm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteObjectFile(t *testing.T) {
	ctx, buf := testContext()

	ctx.NewSection("Code", SectTypeROM0, SomeU32(0x0150), noSpec(), SectionNormal)
	ctx.AddLabel("Entry")
	ctx.ConstByte(0x3E)
	ctx.RelByte(SymExpr(ctx.GetSymbolByName("Ext")), 0)
	ctx.NewSection("Vars", SectTypeWRAM0, OptU32{}, noSpec(), SectionNormal)
	ctx.Skip(4, true)

	if buf.Len() != 0 {
		t.Fatalf("unexpected diagnostics: %s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "out.obj")
	if err := ctx.WriteObjectFile(path); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if string(raw[:4]) != "RGB9" {
		t.Errorf("magic = %q", raw[:4])
	}
	if rev := binary.LittleEndian.Uint32(raw[4:]); rev != objRevision {
		t.Errorf("revision = %d, want %d", rev, objRevision)
	}
	if nbSyms := binary.LittleEndian.Uint32(raw[8:]); nbSyms != 2 {
		t.Errorf("symbol count = %d, want 2", nbSyms)
	}
	if nbSects := binary.LittleEndian.Uint32(raw[12:]); nbSects != 2 {
		t.Errorf("section count = %d, want 2", nbSects)
	}
	// 只有一个文件节点被引用
	if nbNodes := binary.LittleEndian.Uint32(raw[16:]); nbNodes != 1 {
		t.Errorf("node count = %d, want 1", nbNodes)
	}
}

func TestNodeRegistrationOrdersParentsFirst(t *testing.T) {
	ctx, _ := testContext()
	ctx.PushFileContext("child.inc")
	ctx.NewSection("A", SectTypeWRAM0, OptU32{}, noSpec(), SectionNormal)

	var nodes []*FileStackNode
	registerNode(&nodes, ctx.FindSectionByName("A").Src)

	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	if nodes[0].Name != "test.asm" || nodes[1].Name != "child.inc" {
		t.Errorf("order = %s, %s; want parent first", nodes[0].Name, nodes[1].Name)
	}
	if nodes[0].ID != 0 || nodes[1].ID != 1 {
		t.Errorf("IDs = %d, %d", nodes[0].ID, nodes[1].ID)
	}
}
