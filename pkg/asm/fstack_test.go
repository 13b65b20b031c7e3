package asm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStackDump(t *testing.T) {
	ctx, _ := testContext()
	ctx.SetLineNo(5)
	ctx.PushFileContext("inc/defs.inc")
	ctx.SetLineNo(2)

	var sb strings.Builder
	ctx.dumpCurrent(&sb)
	if got := sb.String(); got != "test.asm(5) -> inc/defs.inc(2)" {
		t.Errorf("dump = %q", got)
	}
}

func TestFileStackReptDump(t *testing.T) {
	ctx, _ := testContext()
	ctx.SetLineNo(7)
	ctx.PushReptContext([]uint32{3, 1})
	ctx.SetLineNo(9)

	var sb strings.Builder
	ctx.dumpCurrent(&sb)
	if got := sb.String(); got != "test.asm(7) -> test.asm::REPT~1::REPT~3(9)" {
		t.Errorf("dump = %q", got)
	}
}

func TestFileNameSkipsRepts(t *testing.T) {
	ctx, _ := testContext()
	ctx.PushReptContext([]uint32{1})
	if got := ctx.FileName(); got != "test.asm" {
		t.Errorf("FileName = %q, want test.asm", got)
	}
}

func TestGetFileStackMarksReferenced(t *testing.T) {
	ctx, _ := testContext()
	ctx.PushFileContext("child.inc")

	node := ctx.GetFileStack()
	if node == nil || !node.Referenced {
		t.Fatal("top node must be marked referenced")
	}
	if node.Parent == nil || !node.Parent.Referenced {
		t.Fatal("parent nodes must be marked referenced too")
	}
}

func TestRecursionLimit(t *testing.T) {
	ctx, _ := testContext()
	ctx.Options.MaxRecursionDepth = 3
	ctx.PushFileContext("a.inc")
	ctx.PushFileContext("b.inc")
	msg := expectFatal(t, func() { ctx.PushFileContext("c.inc") })
	if !strings.Contains(msg, "Recursion limit (3) exceeded") {
		t.Errorf("fatal = %q", msg)
	}
}

func TestFindFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gfx.bin"), []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, _ := testContext()
	if _, ok := ctx.FindFile("gfx.bin"); ok {
		t.Error("file must not be found without the include path")
	}

	ctx.AddIncludePath(dir)
	full, ok := ctx.FindFile("gfx.bin")
	if !ok {
		t.Fatal("file not found via include path")
	}
	if full != dir+"/gfx.bin" {
		t.Errorf("full path = %q", full)
	}

	// 目录不算
	if _, ok := ctx.FindFile("."); ok {
		t.Error("directories must be rejected")
	}
}

func TestDiagnosticsCarryLocation(t *testing.T) {
	ctx, buf := testContext()
	ctx.SetLineNo(42)
	ctx.ConstByte(0)

	if !strings.Contains(buf.String(), "test.asm(42)") {
		t.Errorf("diagnostic missing location: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "error:") {
		t.Errorf("diagnostic missing severity: %s", buf.String())
	}
}
