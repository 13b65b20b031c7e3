package asm

import "strings"

/*
 * 汇编器内部的符号对象
 * @Section: 符号落在哪个 section 里，LOAD 块内定义的 label 属于 overlay
 *           section，所以它的地址按 overlay 的地址范围解析
 * @Offset: 相对所属 section 起点的偏移（符号偏移，不是输出偏移）
 */
type Symbol struct {
	Name    string
	Section *Section
	Offset  uint32
	Defined bool
	Src     *FileStackNode
	LineNo  uint32
}

// 符号地址。section 还没固定时退化为偏移，同一 section 内做差仍然正确
func (s *Symbol) GetValue() int32 {
	if s.Section != nil && s.Section.Org.Set() {
		return int32(s.Section.Org.Value() + s.Offset)
	}
	return int32(s.Offset)
}

// label 作用域是一对符号：当前全局 label 和当前局部 label。
// LOAD 块和 PUSHS/POPS 都按整体保存恢复。
type LabelScopes struct {
	Global *Symbol
	Local  *Symbol
}

func (ctx *Context) GetCurrentLabelScopes() LabelScopes {
	return ctx.labelScopes
}

func (ctx *Context) SetCurrentLabelScopes(scopes LabelScopes) {
	ctx.labelScopes = scopes
}

func (ctx *Context) ResetCurrentLabelScopes() {
	ctx.labelScopes = LabelScopes{}
}

// 同名符号只有一个对象，先引用后定义的前向引用也指向同一个
func (ctx *Context) GetSymbolByName(name string) *Symbol {
	if sym, ok := ctx.symbolMap[name]; ok {
		return sym
	}
	sym := &Symbol{Name: name}
	ctx.symbolMap[name] = sym
	ctx.symbolList = append(ctx.symbolList, sym)
	return sym
}

// 在当前位置定义一个 label。局部 label（".xxx" 形式）挂在当前全局
// label 的作用域下。
func (ctx *Context) AddLabel(name string) *Symbol {
	local := strings.HasPrefix(name, ".")
	if local {
		if ctx.labelScopes.Global == nil {
			ctx.error("Local label '%s' in main scope", name)
			return nil
		}
		name = ctx.labelScopes.Global.Name + name
	}

	sym := ctx.GetSymbolByName(name)
	if sym.Defined {
		var prev strings.Builder
		DumpNode(&prev, sym.Src, sym.LineNo)
		ctx.error("'%s' already defined at %s", name, prev.String())
		return sym
	}

	sym.Section = ctx.GetSymbolSection()
	sym.Offset = ctx.GetSymbolOffset()
	sym.Defined = true
	sym.Src = ctx.GetFileStack()
	sym.LineNo = ctx.LineNo()

	if local {
		ctx.labelScopes.Local = sym
	} else {
		ctx.labelScopes.Global = sym
		ctx.labelScopes.Local = nil
	}
	return sym
}

// 当前 PC 对应的符号，值永远是“现在这个位置”
func (ctx *Context) GetPC() *Symbol {
	return &Symbol{
		Name:    "@",
		Section: ctx.GetSymbolSection(),
		Offset:  ctx.GetSymbolOffset(),
		Defined: true,
	}
}

func (ctx *Context) ForEachSymbol(callback func(*Symbol)) {
	for _, sym := range ctx.symbolList {
		callback(sym)
	}
}
