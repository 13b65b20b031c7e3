package asm

import (
	"strings"
	"testing"
)

func TestNormalRedeclarationRefused(t *testing.T) {
	ctx, buf := testContext()

	ctx.SetLineNo(12)
	ctx.NewSection("A", SectTypeWRAM0, OptU32{}, noSpec(), SectionNormal)
	ctx.SetLineNo(34)
	msg := expectFatal(t, func() {
		ctx.NewSection("A", SectTypeWRAM0, OptU32{}, noSpec(), SectionNormal)
	})

	if !strings.Contains(msg, "Cannot create section \"A\" (1 error)") {
		t.Errorf("fatal = %q", msg)
	}
	// 子错误要指向第一次声明的位置
	if !strings.Contains(buf.String(), "Section already defined previously at test.asm(12)") {
		t.Errorf("expected prior-location error, got: %s", buf.String())
	}
}

func TestMergeTypeMismatch(t *testing.T) {
	ctx, buf := testContext()

	ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionUnion)
	expectFatal(t, func() {
		ctx.NewSection("U", SectTypeHRAM, OptU32{}, noSpec(), SectionUnion)
	})

	if !strings.Contains(buf.String(), "Section already exists but with type WRAM0") {
		t.Errorf("expected type mismatch error, got: %s", buf.String())
	}
}

func TestMergeModifierMismatch(t *testing.T) {
	ctx, buf := testContext()

	ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionUnion)
	expectFatal(t, func() {
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionFragment)
	})

	if !strings.Contains(buf.String(), "Section already declared as SECTION UNION") {
		t.Errorf("expected modifier mismatch error, got: %s", buf.String())
	}
}

func TestMergeUnion(t *testing.T) {
	t.Run("org adopted", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionUnion)
		ctx.NewSection("U", SectTypeWRAM0, SomeU32(0xC100), noSpec(), SectionUnion)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("U")
		if !sect.Org.Set() || sect.Org.Value() != 0xC100 {
			t.Errorf("org = %v, want $C100", sect.Org)
		}
	})

	t.Run("conflicting org refused", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, SomeU32(0xC100), noSpec(), SectionUnion)
		expectFatal(t, func() {
			ctx.NewSection("U", SectTypeWRAM0, SomeU32(0xC200), noSpec(), SectionUnion)
		})
		if !strings.Contains(buf.String(), "already declared as fixed at different address $c100") {
			t.Errorf("expected org conflict error, got: %s", buf.String())
		}
	})

	t.Run("org must satisfy existing alignment", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 4}, SectionUnion)
		expectFatal(t, func() {
			ctx.NewSection("U", SectTypeWRAM0, SomeU32(0xC101), noSpec(), SectionUnion)
		})
		if !strings.Contains(buf.String(), "already declared as aligned to 16 bytes") {
			t.Errorf("expected alignment conflict error, got: %s", buf.String())
		}
	})

	t.Run("alignment tightened", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 2}, SectionUnion)
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 5, AlignOfs: 4}, SectionUnion)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("U")
		if sect.Align != 5 || sect.AlignOfs != 4 {
			t.Errorf("align = %d/%d, want 5/4", sect.Align, sect.AlignOfs)
		}
	})

	t.Run("weaker alignment kept", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 5}, SectionUnion)
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 3}, SectionUnion)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("U")
		if sect.Align != 5 || sect.AlignOfs != 0 {
			t.Errorf("align = %d/%d, want 5/0", sect.Align, sect.AlignOfs)
		}
	})

	t.Run("incompatible alignment offsets refused", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 3, AlignOfs: 1}, SectionUnion)
		expectFatal(t, func() {
			ctx.NewSection("U", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 3, AlignOfs: 2}, SectionUnion)
		})
		if !strings.Contains(buf.String(), "incompatible 8-byte alignment") {
			t.Errorf("expected align-offset conflict error, got: %s", buf.String())
		}
	})

	t.Run("ROM union refused", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("U", SectTypeROM0, OptU32{}, noSpec(), SectionUnion)
		expectFatal(t, func() {
			ctx.NewSection("U", SectTypeROM0, OptU32{}, noSpec(), SectionUnion)
		})
		if !strings.Contains(buf.String(), "Cannot declare ROM sections as UNION") {
			t.Errorf("expected ROM union error, got: %s", buf.String())
		}
	})

	t.Run("union rewinds the cursor", func(t *testing.T) {
		ctx, _ := testContext()
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionUnion)
		ctx.Skip(6, true)
		ctx.NewSection("U", SectTypeWRAM0, OptU32{}, noSpec(), SectionUnion)
		if ctx.GetSymbolOffset() != 0 {
			t.Errorf("UNION redeclaration offset = %d, want 0", ctx.GetSymbolOffset())
		}
		ctx.Skip(2, true)
		if sect := ctx.FindSectionByName("U"); sect.Size != 6 {
			t.Errorf("size = %d, want 6 (max of members)", sect.Size)
		}
	})
}

func TestMergeFragments(t *testing.T) {
	t.Run("org evaluated at the end of the section", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeWRAM0, SomeU32(0xC000), noSpec(), SectionFragment)
		ctx.Skip(0x10, true)
		// 追加在末尾，所以 $C010 和已有的 org $C000 + size $10 正好吻合
		ctx.NewSection("F", SectTypeWRAM0, SomeU32(0xC010), noSpec(), SectionFragment)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("F")
		if !sect.Org.Set() || sect.Org.Value() != 0xC000 {
			t.Errorf("org = %v, want $C000", sect.Org)
		}
	})

	t.Run("incompatible org refused", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeWRAM0, SomeU32(0xC000), noSpec(), SectionFragment)
		ctx.Skip(0x10, true)
		expectFatal(t, func() {
			ctx.NewSection("F", SectTypeWRAM0, SomeU32(0xC100), noSpec(), SectionFragment)
		})
		if !strings.Contains(buf.String(), "already declared as fixed at incompatible address $c000") {
			t.Errorf("expected org conflict error, got: %s", buf.String())
		}
	})

	t.Run("alignment offset shifted by the existing size", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeWRAM0, OptU32{}, noSpec(), SectionFragment)
		ctx.Skip(3, true)
		ctx.NewSection("F", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 3, AlignOfs: 5}, SectionFragment)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("F")
		// (5 - 3) mod 8 = 2：约束折算到 section 起点
		if sect.Align != 3 || sect.AlignOfs != 2 {
			t.Errorf("align = %d/%d, want 3/2", sect.Align, sect.AlignOfs)
		}
	})

	t.Run("negative effective offset normalized", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeWRAM0, OptU32{}, noSpec(), SectionFragment)
		ctx.Skip(5, true)
		ctx.NewSection("F", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 3, AlignOfs: 2}, SectionFragment)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("F")
		// (2 - 5) mod 8 = -3 → 归一化成 5
		if sect.Align != 3 || sect.AlignOfs != 5 {
			t.Errorf("align = %d/%d, want 3/5", sect.Align, sect.AlignOfs)
		}
	})
}

func TestMergeBank(t *testing.T) {
	t.Run("adopted when unset", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeROMX, OptU32{}, noSpec(), SectionFragment)
		ctx.NewSection("F", SectTypeROMX, OptU32{}, SectionSpec{Bank: SomeU32(7)}, SectionFragment)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("F")
		if !sect.Bank.Set() || sect.Bank.Value() != 7 {
			t.Errorf("bank = %v, want 7", sect.Bank)
		}
	})

	t.Run("conflict refused", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("F", SectTypeROMX, OptU32{}, SectionSpec{Bank: SomeU32(7)}, SectionFragment)
		expectFatal(t, func() {
			ctx.NewSection("F", SectTypeROMX, OptU32{}, SectionSpec{Bank: SomeU32(8)}, SectionFragment)
		})
		if !strings.Contains(buf.String(), "Section already declared with different bank 7") {
			t.Errorf("expected bank conflict error, got: %s", buf.String())
		}
	})
}

func TestMergeAccumulatesErrors(t *testing.T) {
	ctx, buf := testContext()

	ctx.NewSection("F", SectTypeROMX, SomeU32(0x4000), SectionSpec{Bank: SomeU32(7)}, SectionFragment)
	ctx.Skip(1, true)
	msg := expectFatal(t, func() {
		// org 和 bank 一起冲突：两个子错误，一条 fatal 汇总
		ctx.NewSection("F", SectTypeROMX, SomeU32(0x4800), SectionSpec{Bank: SomeU32(8)}, SectionFragment)
	})

	if !strings.Contains(msg, "Cannot create section \"F\" (2 errors)") {
		t.Errorf("fatal = %q", msg)
	}
	if ctx.NbErrors != 2 {
		t.Errorf("NbErrors = %d, want 2", ctx.NbErrors)
	}
	_ = buf
}

func TestSectionSpecValidation(t *testing.T) {
	t.Run("bank on unbanked type", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("R", SectTypeROM0, OptU32{}, SectionSpec{Bank: SomeU32(1)}, SectionNormal)
		if !strings.Contains(buf.String(), "BANK only allowed for ROMX, WRAMX, SRAM, or VRAM sections") {
			t.Errorf("expected bank error, got: %s", buf.String())
		}
	})

	t.Run("bank out of range", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("W", SectTypeWRAMX, OptU32{}, SectionSpec{Bank: SomeU32(9)}, SectionNormal)
		if !strings.Contains(buf.String(), "WRAMX bank value $0009 out of range") {
			t.Errorf("expected bank range error, got: %s", buf.String())
		}
	})

	t.Run("single bank implied", func(t *testing.T) {
		ctx, _ := testContext()
		ctx.NewSection("R", SectTypeROM0, OptU32{}, noSpec(), SectionNormal)
		sect := ctx.FindSectionByName("R")
		if !sect.Bank.Set() || sect.Bank.Value() != 0 {
			t.Errorf("bank = %v, want implied 0", sect.Bank)
		}
	})

	t.Run("align offset too large", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("V", SectTypeWRAM0, OptU32{}, SectionSpec{Alignment: 2, AlignOfs: 4}, SectionNormal)
		if !strings.Contains(buf.String(), "Alignment offset (4) must be smaller than alignment size (4)") {
			t.Errorf("expected align-offset error, got: %s", buf.String())
		}
	})

	t.Run("org out of range", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("V", SectTypeWRAM0, SomeU32(0x8000), noSpec(), SectionNormal)
		if !strings.Contains(buf.String(), "outside of range") {
			t.Errorf("expected org range error, got: %s", buf.String())
		}
	})

	t.Run("org incompatible with alignment", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("V", SectTypeWRAM0, SomeU32(0xC001), SectionSpec{Alignment: 4}, SectionNormal)
		if !strings.Contains(buf.String(), "fixed address doesn't match its alignment") {
			t.Errorf("expected align mismatch error, got: %s", buf.String())
		}
	})

	t.Run("org satisfying alignment drops it", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("V", SectTypeWRAM0, SomeU32(0xC010), SectionSpec{Alignment: 4}, SectionNormal)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("V")
		if sect.Align != 0 {
			t.Errorf("satisfied alignment must be dropped, align = %d", sect.Align)
		}
	})

	t.Run("unattainable alignment", func(t *testing.T) {
		ctx, buf := testContext()
		// HRAM 从 $FF80 开始，对齐不到 256 字节边界
		ctx.NewSection("H", SectTypeHRAM, OptU32{}, SectionSpec{Alignment: 8}, SectionNormal)
		if !strings.Contains(buf.String(), "alignment cannot be attained in HRAM") {
			t.Errorf("expected unattainable error, got: %s", buf.String())
		}
	})

	t.Run("align 16 becomes a fixed address", func(t *testing.T) {
		ctx, buf := testContext()
		ctx.NewSection("R", SectTypeROM0, OptU32{}, SectionSpec{Alignment: 16, AlignOfs: 0x0200}, SectionNormal)
		if buf.Len() != 0 {
			t.Fatalf("unexpected diagnostics: %s", buf.String())
		}
		sect := ctx.FindSectionByName("R")
		if !sect.Org.Set() || sect.Org.Value() != 0x0200 {
			t.Errorf("org = %v, want $0200", sect.Org)
		}
		if sect.Align != 0 {
			t.Errorf("align = %d, want 0", sect.Align)
		}
	})
}
