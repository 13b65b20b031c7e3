package asm

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
)

// 发射任何东西至少要有个活跃 section
func (ctx *Context) requireSection() bool {
	if ctx.currentSection != nil {
		return true
	}

	ctx.error("Cannot output data outside of a SECTION")
	return false
}

// 真正写字节还要求 section 类型带数据缓冲
func (ctx *Context) requireCodeSection() bool {
	if !ctx.requireSection() {
		return false
	}

	if HasData(ctx.currentSection.Type) {
		return true
	}

	ctx.error("Section '%s' cannot contain code or data (not ROM0 or ROMX)",
		ctx.currentSection.Name)
	return false
}

/*
 * SECTION 指令：切到一个（新建或合并出来的）section。
 * 名字不许和还压在 section 栈里的任何一个重复；活跃的 LOAD 会被顺手
 * 结束掉并告警。UNION 修饰的声明游标回到 0，其余接在已有内容后面。
 */
func (ctx *Context) NewSection(name string, typ SectionType, org OptU32, attrs SectionSpec, mod SectionModifier) {
	for i := range ctx.sectionStack {
		entry := &ctx.sectionStack[i]
		if entry.section != nil && entry.section.Name == name {
			ctx.fatal("Section '%s' is already on the stack", name)
		}
	}

	if ctx.currentLoadSection != nil {
		ctx.EndLoadSection("SECTION")
	}

	sect := ctx.getSection(name, typ, org, attrs, mod)

	ctx.changeSection()
	if mod == SectionUnion {
		ctx.curOffset = 0
	} else {
		ctx.curOffset = sect.Size
	}
	ctx.loadOffset = 0 // 后面检查 size 溢出时还要用到
	ctx.currentSection = sect
}

/*
 * LOAD 块：字节继续写进 parent section 的输出偏移，但 label 的地址按
 * overlay section 的地址范围解析，典型用法是汇编出来再拷到 HRAM 跑。
 *
 * 注意：UNION 和 LOAD 目前不可能同时出现——UNION 禁止出现在带数据的
 * section 里，而 LOAD 只允许在带数据的 section 里。两者的交互从来没有
 * 被测试过，放开任何一边的限制前要三思。
 */
func (ctx *Context) SetLoadSection(name string, typ SectionType, org OptU32, attrs SectionSpec, mod SectionModifier) {
	if !ctx.requireCodeSection() {
		return
	}

	if HasData(typ) {
		ctx.error("`LOAD` blocks cannot create a ROM section")
		return
	}

	if ctx.currentLoadSection != nil {
		ctx.EndLoadSection("LOAD")
	}

	sect := ctx.getSection(name, typ, org, attrs, mod)

	ctx.currentLoadLabelScopes = ctx.GetCurrentLabelScopes()
	ctx.changeSection()
	size := sect.Size
	if mod == SectionUnion {
		size = 0
	}
	ctx.loadOffset = int32(ctx.curOffset) - int32(size)
	ctx.curOffset -= uint32(ctx.loadOffset)
	ctx.currentLoadSection = sect
}

// cause 非空表示 LOAD 块不是被 ENDL 正常结束的，要补一条告警
func (ctx *Context) EndLoadSection(cause string) {
	if cause != "" {
		ctx.warning(WarningUnterminatedLoad, "`LOAD` block without `ENDL` terminated by `%s`", cause)
	}

	if ctx.currentLoadSection == nil {
		ctx.error("Found `ENDL` outside of a `LOAD` block")
		return
	}

	ctx.changeSection()
	ctx.curOffset += uint32(ctx.loadOffset)
	ctx.loadOffset = 0
	ctx.currentLoadSection = nil
	ctx.SetCurrentLabelScopes(ctx.currentLoadLabelScopes)
}

func (ctx *Context) CheckLoadClosed() {
	if ctx.currentLoadSection != nil {
		ctx.warning(WarningUnterminatedLoad, "`LOAD` block without `ENDL` terminated by EOF")
	}
}

// label 属于哪个 section：LOAD 块里是 overlay，否则就是当前 section
func (ctx *Context) GetSymbolSection() *Section {
	if ctx.currentLoadSection != nil {
		return ctx.currentLoadSection
	}
	return ctx.currentSection
}

// 符号偏移，label 地址按这个算
func (ctx *Context) GetSymbolOffset() uint32 {
	return ctx.curOffset
}

// 输出偏移，字节真正落在 parent section 数据缓冲里的位置
func (ctx *Context) GetOutputOffset() uint32 {
	return ctx.curOffset + uint32(ctx.loadOffset)
}

func (ctx *Context) GetOutputBank() OptU32 {
	if ctx.currentSection == nil {
		return OptU32{}
	}
	return ctx.currentSection.Bank
}

// 给外部的重定位生成方直接挂一条空 patch；patch 永远属于 parent
// section，不属于 overlay
func (ctx *Context) AddOutputPatch() *Patch {
	if ctx.currentSection == nil {
		return nil
	}
	ctx.currentSection.Patches = append(ctx.currentSection.Patches, Patch{})
	return &ctx.currentSection.Patches[len(ctx.currentSection.Patches)-1]
}

// 要再发射多少个 pad 字节才能满足 ALIGN[alignment, offset]。
// 固定地址的 section 视作已经最大限度对齐（指数 16）。
func (ctx *Context) GetAlignBytes(alignment uint8, offset uint16) uint32 {
	sect := ctx.GetSymbolSection()
	if sect == nil {
		return 0
	}

	isFixed := sect.Org.Set()

	curAlignment := sect.Align
	if isFixed {
		curAlignment = 16
	}
	if curAlignment == 0 {
		return 0
	}

	// 需要满足 (pcValue + curOffset + 返回值) % (1 << alignment) == offset
	pcValue := sect.AlignOfs
	if isFixed {
		pcValue = uint16(sect.Org.Value())
	}
	return uint32(uint16(uint32(offset)-ctx.curOffset-uint32(pcValue))) %
		(uint32(1) << min(alignment, curAlignment))
}

/*
 * 在游标当前位置强制一个对齐约束。section 已有固定地址时只能校验，
 * 不匹配就报错；没固定地址时约束被收紧到两者中更严的，alignment 到了
 * 16 就干脆转成固定地址。
 */
func (ctx *Context) AlignPC(alignment uint8, offset uint16) {
	if !ctx.requireSection() {
		return
	}

	sect := ctx.GetSymbolSection()
	alignSize := uint32(1) << alignment

	if sect.Org.Set() {
		if actualOffset := (sect.Org.Value() + ctx.curOffset) % alignSize; actualOffset != uint32(offset) {
			ctx.error("Section is misaligned (at PC = $%04x, expected ALIGN[%d, %d], got ALIGN[%d, %d])",
				sect.Org.Value()+ctx.curOffset, alignment, offset, alignment, actualOffset)
		}
	} else {
		actualOffset := (uint32(sect.AlignOfs) + ctx.curOffset) % alignSize
		sectAlignSize := uint32(1) << sect.Align
		if sect.Align != 0 && actualOffset%sectAlignSize != uint32(offset)%sectAlignSize {
			ctx.error("Section is misaligned ($%04x bytes into the section, expected ALIGN[%d, %d], got ALIGN[%d, %d])",
				ctx.curOffset, alignment, offset, alignment, actualOffset)
		} else if alignment >= 16 {
			// 这么大的对齐等价于固定地址；这同时保证了任何 section 的
			// align 永远不会到 16
			if alignment > 16 {
				ctx.error("Alignment must be between 0 and 16, not %d", alignment)
			}
			sect.Align = 0
			sect.Org = SomeU32(uint32(offset) - ctx.curOffset)
		} else if alignment > sect.Align {
			sect.Align = alignment
			// 需要满足 (sect.AlignOfs + curOffset) % alignSize == offset
			sect.AlignOfs = uint16((uint32(offset) - ctx.curOffset) % alignSize)
		}
	}
}

func (ctx *Context) growSection(growth uint32) {
	if growth > 0 && ctx.curOffset > math.MaxUint32-growth {
		ctx.fatal("Section size would overflow internal counter")
	}
	ctx.curOffset += growth
	if outOffset := ctx.GetOutputOffset(); outOffset > ctx.currentSection.Size {
		ctx.currentSection.Size = outOffset
	}
	if ctx.currentLoadSection != nil && ctx.curOffset > ctx.currentLoadSection.Size {
		ctx.currentLoadSection.Size = ctx.curOffset
	}
}

func (ctx *Context) writeByte(b byte) {
	if index := ctx.GetOutputOffset(); index < uint32(len(ctx.currentSection.Data)) {
		ctx.currentSection.Data[index] = b
	}
	ctx.growSection(1)
}

func (ctx *Context) writeWord(value uint16) {
	ctx.writeByte(byte(value))
	ctx.writeByte(byte(value >> 8))
}

func (ctx *Context) writeLong(value uint32) {
	ctx.writeByte(byte(value))
	ctx.writeByte(byte(value >> 8))
	ctx.writeByte(byte(value >> 16))
	ctx.writeByte(byte(value >> 24))
}

func (ctx *Context) createPatch(typ PatchType, expr Expression, pcShift uint32) {
	ctx.currentSection.Patches = append(ctx.currentSection.Patches, Patch{
		Type:    typ,
		Expr:    expr,
		Offset:  ctx.GetOutputOffset(),
		PCShift: pcShift,
		Src:     ctx.GetFileStack(),
		LineNo:  ctx.LineNo(),
	})
}

// UNION/NEXTU/ENDU：成员共享同一个起点，整段的大小取成员的最大值。
// 和 LOAD 的互斥见 SetLoadSection 处的说明。
func (ctx *Context) StartUnion() {
	if ctx.currentSection == nil {
		ctx.error("UNIONs must be inside a SECTION")
		return
	}
	if HasData(ctx.currentSection.Type) {
		ctx.error("Cannot use UNION inside of ROM0 or ROMX sections")
		return
	}

	ctx.currentUnionStack = append(ctx.currentUnionStack, UnionStackEntry{start: ctx.curOffset})
}

// 结算当前成员：更新最大成员大小，游标回卷到成员起点
func (ctx *Context) endUnionMember() {
	member := &ctx.currentUnionStack[len(ctx.currentUnionStack)-1]
	memberSize := ctx.curOffset - member.start

	if memberSize > member.size {
		member.size = memberSize
	}
	ctx.curOffset = member.start
}

func (ctx *Context) NextUnionMember() {
	if len(ctx.currentUnionStack) == 0 {
		ctx.error("Found NEXTU outside of a UNION construct")
		return
	}
	ctx.endUnionMember()
}

func (ctx *Context) EndUnion() {
	if len(ctx.currentUnionStack) == 0 {
		ctx.error("Found ENDU outside of a UNION construct")
		return
	}
	ctx.endUnionMember()
	top := &ctx.currentUnionStack[len(ctx.currentUnionStack)-1]
	ctx.curOffset += top.size
	ctx.currentUnionStack = ctx.currentUnionStack[:len(ctx.currentUnionStack)-1]
}

func (ctx *Context) CheckUnionClosed() {
	if len(ctx.currentUnionStack) > 0 {
		ctx.error("Unterminated UNION construct")
	}
}

func (ctx *Context) ConstByte(b byte) {
	if !ctx.requireCodeSection() {
		return
	}

	ctx.writeByte(b)
}

// 字符串按解码后的字符单元发射，超出位宽的先告警
func (ctx *Context) ByteString(str []int32) {
	if !ctx.requireCodeSection() {
		return
	}

	for _, unit := range str {
		if !ctx.checkNBit(unit, 8, "All character units") {
			break
		}
	}

	for _, unit := range str {
		ctx.writeByte(byte(unit))
	}
}

func (ctx *Context) WordString(str []int32) {
	if !ctx.requireCodeSection() {
		return
	}

	for _, unit := range str {
		if !ctx.checkNBit(unit, 16, "All character units") {
			break
		}
	}

	for _, unit := range str {
		ctx.writeWord(uint16(unit))
	}
}

func (ctx *Context) LongString(str []int32) {
	if !ctx.requireCodeSection() {
		return
	}

	for _, unit := range str {
		ctx.writeLong(uint32(unit))
	}
}

// DS 之类的跳过：没数据的 section 光涨 size，有数据的要真写 pad 字节。
// ds 为 false 说明是 DB/DW/DL 不带参数的形式，在 ROM 里留洞要告警。
func (ctx *Context) Skip(skip uint32, ds bool) {
	if !ctx.requireSection() {
		return
	}

	if !HasData(ctx.currentSection.Type) {
		ctx.growSection(skip)
	} else {
		if !ds {
			directive := "DB"
			switch skip {
			case 4:
				directive = "DL"
			case 2:
				directive = "DW"
			}
			ctx.warning(WarningEmptyDataDirective, "%s directive without data in ROM", directive)
		}
		for ; skip > 0; skip-- {
			ctx.writeByte(ctx.Options.PadByte)
		}
	}
}

func (ctx *Context) RelByte(expr Expression, pcShift uint32) {
	if !ctx.requireCodeSection() {
		return
	}

	if !expr.IsKnown() {
		ctx.createPatch(PatchTypeByte, expr, pcShift)
		ctx.writeByte(0)
	} else {
		ctx.writeByte(byte(expr.Value()))
	}
}

// DS n, expr... 的形式，表达式不够就循环用
func (ctx *Context) RelBytes(n uint32, exprs []Expression) {
	if !ctx.requireCodeSection() {
		return
	}

	for i := uint32(0); i < n; i++ {
		expr := &exprs[int(i)%len(exprs)]
		if !expr.IsKnown() {
			ctx.createPatch(PatchTypeByte, *expr, i)
			ctx.writeByte(0)
		} else {
			ctx.writeByte(byte(expr.Value()))
		}
	}
}

func (ctx *Context) RelWord(expr Expression, pcShift uint32) {
	if !ctx.requireCodeSection() {
		return
	}

	if !expr.IsKnown() {
		ctx.createPatch(PatchTypeWord, expr, pcShift)
		ctx.writeWord(0)
	} else {
		ctx.writeWord(uint16(expr.Value()))
	}
}

func (ctx *Context) RelLong(expr Expression, pcShift uint32) {
	if !ctx.requireCodeSection() {
		return
	}

	if !expr.IsKnown() {
		ctx.createPatch(PatchTypeLong, expr, pcShift)
		ctx.writeLong(0)
	} else {
		ctx.writeLong(uint32(expr.Value()))
	}
}

// JR 的操作数：目标和 PC 的差是常量时直接算出带符号 8 位偏移，
// 否则登记一条 JR 型 patch 留给链接器
func (ctx *Context) PCRelByte(expr Expression, pcShift uint32) {
	if !ctx.requireCodeSection() {
		return
	}

	pc := ctx.GetPC()
	if !expr.IsDiffConstant(pc) {
		ctx.createPatch(PatchTypeJR, expr, pcShift)
		ctx.writeByte(0)
	} else {
		sym := expr.SymbolOf()
		// 偏移量相对操作数后面那个字节
		var offset int32
		if sym.Name == pc.Name && sym.Section == pc.Section && sym.Offset == pc.Offset {
			offset = -2 // PC 作为 jr 的操作数时比参考 PC 低 2
		} else {
			offset = sym.GetValue() - (pc.GetValue() + 1)
		}

		if offset < -128 || offset > 127 {
			ctx.error("JR target must be between -128 and 127 bytes away, not %d; use JP instead",
				offset)
			ctx.writeByte(0)
		} else {
			ctx.writeByte(byte(offset))
		}
	}
}

func (ctx *Context) openBinaryFile(name string) *os.File {
	if fullPath, ok := ctx.FindFile(name); ok {
		if file, err := os.Open(fullPath); err == nil {
			return file
		}
	}
	ctx.error("Unable to open '%s' (INCBIN)", name)
	return nil
}

// 文件能 seek 就直接跳到起始位置，不能 seek（管道之类）就一个个字节
// 消费掉。返回 false 表示起始位置超出了文件
func (ctx *Context) seekBinaryFile(file *os.File, name string, startPos uint32) (int64, bool) {
	fsize, err := file.Seek(0, io.SeekEnd)
	if err == nil {
		if int64(startPos) > fsize {
			ctx.error("Specified start position is greater than length of file '%s'", name)
			return fsize, false
		}
		file.Seek(int64(startPos), io.SeekStart)
		return fsize, true
	}

	buf := make([]byte, 1)
	for ; startPos > 0; startPos-- {
		if _, err := file.Read(buf); err != nil {
			ctx.error("Specified start position is greater than length of file '%s'", name)
			return -1, false
		}
	}
	return -1, true
}

// INCBIN 整个文件（从 startPos 到结尾）
func (ctx *Context) BinaryFile(name string, startPos uint32) {
	if !ctx.requireCodeSection() {
		return
	}

	file := ctx.openBinaryFile(name)
	if file == nil {
		return
	}
	defer file.Close()

	if _, ok := ctx.seekBinaryFile(file, name, startPos); !ok {
		return
	}

	reader := bufio.NewReader(file)
	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			ctx.error("Error reading INCBIN file '%s': %s", name, err)
			return
		}
		ctx.writeByte(b)
	}
}

// INCBIN 的切片形式，长度是显式给的，读不满要报错
func (ctx *Context) BinaryFileSlice(name string, startPos uint32, length uint32) {
	if !ctx.requireCodeSection() {
		return
	}
	if length == 0 {
		return
	}

	file := ctx.openBinaryFile(name)
	if file == nil {
		return
	}
	defer file.Close()

	fsize, ok := ctx.seekBinaryFile(file, name, startPos)
	if !ok {
		return
	}
	if fsize >= 0 && int64(startPos)+int64(length) > fsize {
		ctx.error("Specified range in INCBIN file '%s' is out of bounds (%d + %d > %d)",
			name, startPos, length, fsize)
		return
	}

	reader := bufio.NewReader(file)
	for ; length > 0; length-- {
		b, err := reader.ReadByte()
		if err == io.EOF {
			ctx.error("Premature end of INCBIN file '%s' (%d bytes left to read)", name, length)
			return
		}
		if err != nil {
			ctx.error("Error reading INCBIN file '%s': %s", name, err)
			return
		}
		ctx.writeByte(b)
	}
}

// PUSHS：整个游标上下文进栈，回到“没有活跃 section”的干净状态
func (ctx *Context) PushSection() {
	ctx.sectionStack = append(ctx.sectionStack, SectionStackEntry{
		section:     ctx.currentSection,
		loadSection: ctx.currentLoadSection,
		labelScopes: ctx.GetCurrentLabelScopes(),
		offset:      ctx.curOffset,
		loadOffset:  ctx.loadOffset,
		unionStack:  ctx.currentUnionStack,
	})

	ctx.currentSection = nil
	ctx.currentLoadSection = nil
	ctx.ResetCurrentLabelScopes()
	ctx.currentUnionStack = nil
}

func (ctx *Context) PopSection() {
	if len(ctx.sectionStack) == 0 {
		ctx.fatal("No entries in the section stack")
	}

	if ctx.currentLoadSection != nil {
		ctx.EndLoadSection("POPS")
	}

	entry := ctx.sectionStack[len(ctx.sectionStack)-1]
	ctx.sectionStack = ctx.sectionStack[:len(ctx.sectionStack)-1]

	ctx.changeSection()
	ctx.currentSection = entry.section
	ctx.currentLoadSection = entry.loadSection
	ctx.SetCurrentLabelScopes(entry.labelScopes)
	ctx.curOffset = entry.offset
	ctx.loadOffset = entry.loadOffset
	ctx.currentUnionStack = entry.unionStack
}

func (ctx *Context) CheckStack() {
	if len(ctx.sectionStack) > 0 {
		ctx.warning(WarningUnmatchedDirective, "`PUSHS` without corresponding `POPS`")
	}
}

// ENDSECTION：关掉当前 section，但不从栈里恢复任何东西
func (ctx *Context) EndSection() {
	if ctx.currentSection == nil {
		ctx.fatal("Cannot end the section outside of a SECTION")
	}

	if len(ctx.currentUnionStack) > 0 {
		ctx.fatal("Cannot end the section within a UNION")
	}

	if ctx.currentLoadSection != nil {
		ctx.EndLoadSection("ENDSECTION")
	}

	ctx.currentSection = nil
	ctx.ResetCurrentLabelScopes()
}

/*
 * fragment literal：在指令流中间注入一段匿名的同名 fragment。
 * parent 的修饰符被单向改成 FRAGMENT，当前上下文进栈，新的 sibling
 * 成为活跃 section。返回给调用方一个生成的符号 ID（"$N"），用来当这段
 * fragment 地址的 label，调用方之后要自己 POPS 回来。
 */
func (ctx *Context) PushSectionFragmentLiteral() string {
	// 和 requireCodeSection 一样的检查，只是直接 fatal
	if ctx.currentSection == nil {
		ctx.fatal("Cannot output fragment literals outside of a SECTION")
	}
	if !HasData(ctx.currentSection.Type) {
		ctx.fatal("Section '%s' cannot contain fragment literals (not ROM0 or ROMX)",
			ctx.currentSection.Name)
	}

	if ctx.currentLoadSection != nil {
		ctx.fatal("`LOAD` blocks cannot contain fragment literals")
	}
	if ctx.currentSection.Modifier == SectionUnion {
		ctx.fatal("`SECTION UNION` cannot contain fragment literals")
	}

	// 含有 fragment literal 的 section 自己也得变成 fragment
	ctx.currentSection.Modifier = SectionFragment

	parent := ctx.currentSection
	ctx.PushSection() // 清掉 currentSection

	sect := ctx.createSectionFragmentLiteral(parent)

	ctx.changeSection()
	ctx.curOffset = sect.Size
	ctx.currentSection = sect

	id := ctx.nextFragmentLiteralID
	ctx.nextFragmentLiteralID++
	return fmt.Sprintf("$%d", id)
}
