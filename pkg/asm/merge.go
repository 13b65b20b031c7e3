package asm

import (
	"strings"

	"github.com/pinobatch/rgbds/pkg/utils"
)

func mask(align uint8) uint32 {
	return (1 << align) - 1
}

/*
 * UNION 方式的同名合并：新旧声明的约束只要兼容即可，合并结果取两边里
 * 最严的那个。overlay 在 section 起点，所以约束直接在起点处比较。
 * 返回本次累计的子错误数。
 */
func (ctx *Context) mergeSectUnion(sect *Section, typ SectionType, org OptU32, alignment uint8, alignOffset uint16) uint32 {
	var nbSectErrors uint32
	sectError := func(format string, a ...any) {
		ctx.error(format, a...)
		nbSectErrors++
	}

	if HasData(typ) {
		sectError("Cannot declare ROM sections as UNION")
	}

	if org.Set() {
		// 两边都固定地址时必须一致
		if sect.Org.Set() && sect.Org.Value() != org.Value() {
			sectError("Section already declared as fixed at different address $%04x",
				sect.Org.Value())
		} else if sect.Align != 0 && (mask(sect.Align)&(org.Value()-uint32(sect.AlignOfs))) != 0 {
			sectError("Section already declared as aligned to %d bytes (offset %d)",
				1<<sect.Align, sect.AlignOfs)
		} else {
			sect.Org = org
		}

	} else if alignment != 0 {
		// 已有固定地址的话，新对齐必须兼容它
		if sect.Org.Set() {
			if (sect.Org.Value()-uint32(alignOffset))&mask(alignment) != 0 {
				sectError("Section already declared as fixed at incompatible address $%04x",
					sect.Org.Value())
			}
			// 两个对齐的偏移也要互相兼容
		} else if uint32(alignOffset)&mask(sect.Align) != uint32(sect.AlignOfs)&mask(alignment) {
			sectError("Section already declared with incompatible %d-byte alignment (offset %d)",
				1<<sect.Align, sect.AlignOfs)
		} else if alignment > sect.Align {
			// 没固定地址时取两边对齐里更紧的那个
			sect.Align = alignment
			sect.AlignOfs = alignOffset
		}
	}

	return nbSectErrors
}

/*
 * FRAGMENT 方式的同名合并。新 fragment 追加在老 section 末尾，所以
 * 约束要挪到末尾处再比较：有效地址是 org - sect.Size，有效对齐偏移是
 * (alignOffset - sect.Size) mod (1<<alignment)，归一化到非负后套用和
 * UNION 相同的规则。
 */
func (ctx *Context) mergeFragments(sect *Section, org OptU32, alignment uint8, alignOffset uint16) uint32 {
	var nbSectErrors uint32
	sectError := func(format string, a ...any) {
		ctx.error(format, a...)
		nbSectErrors++
	}

	if org.Set() {
		curOrg := org.Value() - sect.Size

		if sect.Org.Set() && sect.Org.Value() != curOrg {
			sectError("Section already declared as fixed at incompatible address $%04x",
				sect.Org.Value())
		} else if sect.Align != 0 && (mask(sect.Align)&(curOrg-uint32(sect.AlignOfs))) != 0 {
			sectError("Section already declared as aligned to %d bytes (offset %d)",
				1<<sect.Align, sect.AlignOfs)
		} else {
			sect.Org = SomeU32(curOrg)
		}

	} else if alignment != 0 {
		curOfs := (int64(alignOffset) - int64(sect.Size)) % (1 << alignment)
		if curOfs < 0 {
			curOfs += 1 << alignment
		}

		if sect.Org.Set() {
			if (sect.Org.Value()-uint32(curOfs))&mask(alignment) != 0 {
				sectError("Section already declared as fixed at incompatible address $%04x",
					sect.Org.Value())
			}
		} else if uint32(curOfs)&mask(sect.Align) != uint32(sect.AlignOfs)&mask(alignment) {
			sectError("Section already declared with incompatible %d-byte alignment (offset %d)",
				1<<sect.Align, sect.AlignOfs)
		} else if alignment > sect.Align {
			sect.Align = alignment
			sect.AlignOfs = uint16(curOfs)
		}
	}

	return nbSectErrors
}

/*
 * 同名 section 再次声明时的总入口。类型和修饰符必须严格一致，NORMAL
 * 根本不允许重复声明。子错误先逐条按 error 级报出，最后攒出一条
 * fatal 汇总。
 */
func (ctx *Context) mergeSections(sect *Section, typ SectionType, org OptU32, bank OptU32, alignment uint8, alignOffset uint16, mod SectionModifier) {
	var nbSectErrors uint32
	sectError := func(format string, a ...any) {
		ctx.error(format, a...)
		nbSectErrors++
	}

	if typ != sect.Type {
		sectError("Section already exists but with type %s", sect.Type.Name())
	}

	if sect.Modifier != mod {
		sectError("Section already declared as SECTION %s", sectionModNames[sect.Modifier])
	} else {
		switch mod {
		case SectionUnion, SectionFragment:
			if mod == SectionUnion {
				nbSectErrors += ctx.mergeSectUnion(sect, typ, org, alignment, alignOffset)
			} else {
				nbSectErrors += ctx.mergeFragments(sect, org, alignment, alignOffset)
			}

			// bank 没指定的一方服从指定的一方，都指定则必须相同
			if !sect.Bank.Set() {
				sect.Bank = bank
			} else if bank.Set() && sect.Bank.Value() != bank.Value() {
				sectError("Section already declared with different bank %d", sect.Bank.Value())
			}

		case SectionNormal:
			var prev strings.Builder
			DumpNode(&prev, sect.Src, sect.FileLine)
			sectError("Section already defined previously at %s", prev.String())
		}
	}

	if nbSectErrors > 0 {
		plural := "s"
		if nbSectErrors == 1 {
			plural = ""
		}
		ctx.fatal("Cannot create section \"%s\" (%d error%s)", sect.Name, nbSectErrors, plural)
	}
}

func (ctx *Context) createSection(name string, typ SectionType, org OptU32, bank OptU32, alignment uint8, alignOffset uint16, mod SectionModifier) *Section {
	sect := &Section{
		Name:     name,
		Type:     typ,
		Modifier: mod,
		Src:      ctx.GetFileStack(),
		FileLine: ctx.LineNo(),
		Org:      org,
		Bank:     bank,
		Align:    alignment,
		AlignOfs: alignOffset,
	}

	ctx.sectionList = append(ctx.sectionList, sect)
	if _, ok := ctx.sectionMap[name]; !ok {
		ctx.sectionMap[name] = len(ctx.sectionList) - 1
	}

	// 只有 ROM 类型需要真的分配数据缓冲
	if HasData(typ) {
		sect.Data = make([]byte, maxSize(typ))
	}

	return sect
}

// fragment literal 的匿名 sibling：沿用 parent 的名字和类型，不进
// 注册表的 map，没有地址和对齐约束，bank 继承（0 视作未指定）。
func (ctx *Context) createSectionFragmentLiteral(parent *Section) *Section {
	_, registered := ctx.sectionMap[parent.Name]
	utils.Assert(registered)

	sect := &Section{
		Name:     parent.Name,
		Type:     parent.Type,
		Modifier: SectionFragment,
		Src:      ctx.GetFileStack(),
		FileLine: ctx.LineNo(),
	}
	if parent.Bank.Set() && parent.Bank.Value() != 0 {
		sect.Bank = parent.Bank
	}

	ctx.sectionList = append(ctx.sectionList, sect)

	// fragment literal 只可能出现在 ROM section 里
	utils.Assert(HasData(sect.Type))
	sect.Data = make([]byte, maxSize(sect.Type))

	return sect
}

/*
 * 声明参数的归一化和校验，然后按名字找 section：找到就走合并，
 * 没找到就新建。
 */
func (ctx *Context) getSection(name string, typ SectionType, org OptU32, attrs SectionSpec, mod SectionModifier) *Section {
	bank := attrs.Bank
	alignment := attrs.Alignment
	alignOffset := attrs.AlignOfs

	if bank.Set() {
		if typ != SectTypeROMX && typ != SectTypeVRAM && typ != SectTypeSRAM && typ != SectTypeWRAMX {
			ctx.error("BANK only allowed for ROMX, WRAMX, SRAM, or VRAM sections")
		} else if bank.Value() < sectionTypeInfo[typ].FirstBank || bank.Value() > sectionTypeInfo[typ].LastBank {
			ctx.error("%s bank value $%04x out of range ($%04x to $%04x)",
				typ.Name(), bank.Value(),
				sectionTypeInfo[typ].FirstBank, sectionTypeInfo[typ].LastBank)
		}
	} else if nbBanks(typ) == 1 {
		// 类型只有一个 bank 时直接隐式定死
		bank = SomeU32(sectionTypeInfo[typ].FirstBank)
	}

	if alignment != 0 && uint32(alignOffset) >= 1<<alignment {
		ctx.error("Alignment offset (%d) must be smaller than alignment size (%d)",
			alignOffset, 1<<alignment)
		alignOffset = 0
	}

	if org.Set() {
		if org.Value() < uint32(startAddr(typ)) || org.Value() > uint32(endAddr(typ)) {
			ctx.error("Section \"%s\"'s fixed address $%04x is outside of range [$%04x; $%04x]",
				name, org.Value(), startAddr(typ), endAddr(typ))
		}
	}

	if alignment != 0 {
		if alignment > 16 {
			ctx.error("Alignment must be between 0 and 16, not %d", alignment)
			alignment = 16
		}
		// org 和 align 同时给的话 align 是冗余的，只校验不保留
		m := mask(alignment)

		if org.Set() {
			if (org.Value()-uint32(alignOffset))&m != 0 {
				ctx.error("Section \"%s\"'s fixed address doesn't match its alignment", name)
			}
			alignment = 0
		} else if uint32(startAddr(typ))&m != 0 {
			ctx.error("Section \"%s\"'s alignment cannot be attained in %s", name, typ.Name())
			alignment = 0
			org = SomeU32(0)
		} else if alignment == 16 {
			// 对齐到 2^16 等价于固定地址
			alignment = 0
			org = SomeU32(uint32(alignOffset))
		}
	}

	sect := ctx.FindSectionByName(name)

	if sect != nil {
		ctx.mergeSections(sect, typ, org, bank, alignment, alignOffset, mod)
	} else {
		sect = ctx.createSection(name, typ, org, bank, alignment, alignOffset, mod)
	}

	return sect
}

// section 切换的公共收尾：UNION 里不许换，label 作用域重置
func (ctx *Context) changeSection() {
	if len(ctx.currentUnionStack) > 0 {
		ctx.fatal("Cannot change the section within a UNION")
	}

	ctx.ResetCurrentLabelScopes()
}
