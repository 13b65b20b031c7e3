package asm

import (
	"bufio"
	"encoding/binary"
	"os"
)

// object 文件格式版本号，格式变更时递增
const objRevision = 9

/*
 * object 文件写出器。引擎收尾后把注册表序列化成二进制 object 文件，
 * 留给链接器去摆放 floating section 和回填 patch。
 * 布局（全部小端）：
 *   magic "RGB9" + revision
 *   node 表（被引用的文件栈节点，父节点在前）
 *   符号表
 *   section 表（带数据的类型跟随 Size 字节的数据和 patch 表）
 */
type objWriter struct {
	w   *bufio.Writer
	err error
}

func (ow *objWriter) writeByte(b byte) {
	if ow.err == nil {
		ow.err = ow.w.WriteByte(b)
	}
}

func (ow *objWriter) writeLong(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if ow.err == nil {
		_, ow.err = ow.w.Write(buf[:])
	}
}

func (ow *objWriter) writeString(s string) {
	if ow.err == nil {
		_, ow.err = ow.w.WriteString(s)
	}
	ow.writeByte(0)
}

// org/bank 未指定时在文件里用 0xFFFFFFFF 编码
func (ow *objWriter) writeOpt(o OptU32) {
	if o.Set() {
		ow.writeLong(o.Value())
	} else {
		ow.writeLong(0xFFFFFFFF)
	}
}

// 给所有被引用的节点按先父后子的顺序分配 ID 并收集起来
func registerNode(nodes *[]*FileStackNode, node *FileStackNode) {
	if node == nil || node.ID >= 0 {
		return
	}
	registerNode(nodes, node.Parent)
	node.ID = int64(len(*nodes))
	*nodes = append(*nodes, node)
}

func (ow *objWriter) writeNode(node *FileStackNode) {
	if node.Parent != nil {
		ow.writeLong(uint32(node.Parent.ID))
	} else {
		ow.writeLong(0xFFFFFFFF)
	}
	ow.writeLong(node.LineNo)
	ow.writeByte(byte(node.Type))
	if node.Type == NodeRept {
		ow.writeLong(uint32(len(node.Iters)))
		for _, iter := range node.Iters {
			ow.writeLong(iter)
		}
	} else {
		ow.writeString(node.Name)
	}
}

func (ow *objWriter) writeSymbol(ctx *Context, sym *Symbol) {
	ow.writeString(sym.Name)
	if sym.Defined {
		ow.writeByte(1)
		if sym.Src != nil {
			ow.writeLong(uint32(sym.Src.ID))
		} else {
			ow.writeLong(0xFFFFFFFF)
		}
		ow.writeLong(sym.LineNo)
		if sym.Section != nil {
			ow.writeLong(ctx.SectionID(sym.Section))
		} else {
			ow.writeLong(0xFFFFFFFF)
		}
		ow.writeLong(sym.Offset)
	} else {
		// 未定义的符号只写名字，留给链接器 import
		ow.writeByte(0)
	}
}

func (ow *objWriter) writePatch(ctx *Context, patch *Patch) {
	if patch.Src != nil {
		ow.writeLong(uint32(patch.Src.ID))
	} else {
		ow.writeLong(0xFFFFFFFF)
	}
	ow.writeLong(patch.LineNo)
	ow.writeLong(patch.Offset)
	ow.writeLong(patch.PCShift)
	ow.writeByte(byte(patch.Type))

	// 表达式：已知值直接存值，否则存引用的符号
	if patch.Expr.IsKnown() {
		ow.writeByte(0)
		ow.writeLong(uint32(patch.Expr.Value()))
	} else {
		ow.writeByte(1)
		if sym := patch.Expr.SymbolOf(); sym != nil {
			ow.writeLong(ctx.symbolID(sym))
		} else {
			ow.writeLong(0xFFFFFFFF)
		}
	}
}

func (ow *objWriter) writeSection(ctx *Context, sect *Section) {
	ow.writeString(sect.Name)
	ow.writeLong(sect.Size)
	ow.writeByte(byte(sect.Type) | byte(sect.Modifier)<<6)
	ow.writeOpt(sect.Org)
	ow.writeOpt(sect.Bank)
	ow.writeByte(sect.Align)
	ow.writeLong(uint32(sect.AlignOfs))
	if sect.Src != nil {
		ow.writeLong(uint32(sect.Src.ID))
	} else {
		ow.writeLong(0xFFFFFFFF)
	}
	ow.writeLong(sect.FileLine)

	if HasData(sect.Type) {
		if ow.err == nil {
			_, ow.err = ow.w.Write(sect.Data[:sect.Size])
		}
		ow.writeLong(uint32(len(sect.Patches)))
		for i := range sect.Patches {
			ow.writePatch(ctx, &sect.Patches[i])
		}
	}
}

func (ctx *Context) symbolID(sym *Symbol) uint32 {
	for i, s := range ctx.symbolList {
		if s == sym {
			return uint32(i)
		}
	}
	return 0xFFFFFFFF
}

// 把整个注册表写成 object 文件
func (ctx *Context) WriteObjectFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// 收集所有被引用的节点。section、symbol 和 patch 的源位置都可能
	// 引用节点，GetFileStack 已经把它们标成 referenced 了。
	var nodes []*FileStackNode
	ctx.ForEachSection(func(sect *Section) {
		registerNode(&nodes, sect.Src)
		for i := range sect.Patches {
			registerNode(&nodes, sect.Patches[i].Src)
		}
	})
	ctx.ForEachSymbol(func(sym *Symbol) {
		registerNode(&nodes, sym.Src)
	})

	ow := &objWriter{w: bufio.NewWriter(file)}

	if ow.err == nil {
		_, ow.err = ow.w.WriteString("RGB9")
	}
	ow.writeLong(objRevision)
	ow.writeLong(uint32(len(ctx.symbolList)))
	ow.writeLong(uint32(ctx.CountSections()))

	ow.writeLong(uint32(len(nodes)))
	for _, node := range nodes {
		ow.writeNode(node)
	}

	for _, sym := range ctx.symbolList {
		ow.writeSymbol(ctx, sym)
	}

	ctx.ForEachSection(func(sect *Section) {
		ow.writeSection(ctx, sect)
	})

	if ow.err == nil {
		ow.err = ow.w.Flush()
	}
	return ow.err
}
