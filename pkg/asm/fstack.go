package asm

import (
	"fmt"
	"io"
	"os"
	"strings"
)

type FileStackNodeType uint8

const (
	NodeFile FileStackNodeType = iota
	NodeMacro
	NodeRept
)

/*
 * 文件栈节点，带 tag 的变体类型：
 * 公共头是 (Parent, LineNo, Referenced, ID)，
 * FILE/MACRO 变体带 Name，REPT 变体带每层循环的迭代计数 Iters。
 * @LineNo: 父上下文中进入本节点的行号
 * @Referenced: 被 section 或 symbol 引用过的节点要写进 object 文件，
 *              写出时再分配 ID
 */
type FileStackNode struct {
	Type       FileStackNodeType
	Parent     *FileStackNode
	LineNo     uint32
	Referenced bool
	ID         int64

	Name  string   // FILE / MACRO
	Iters []uint32 // REPT
}

// 汇编过程中的一层上下文（文件、宏展开或 REPT 体）
type fstackContext struct {
	node   *FileStackNode
	lineNo uint32
}

func (ctx *Context) PushFileContext(name string) {
	if len(ctx.fileStack) >= int(ctx.Options.MaxRecursionDepth) {
		ctx.fatal("Recursion limit (%d) exceeded", ctx.Options.MaxRecursionDepth)
	}
	node := &FileStackNode{Type: NodeFile, Name: name, ID: -1}
	if parent := ctx.topContext(); parent != nil {
		node.Parent = parent.node
		node.LineNo = parent.lineNo
	}
	ctx.fileStack = append(ctx.fileStack, &fstackContext{node: node})
}

func (ctx *Context) PushMacroContext(name string) {
	if len(ctx.fileStack) >= int(ctx.Options.MaxRecursionDepth) {
		ctx.fatal("Recursion limit (%d) exceeded", ctx.Options.MaxRecursionDepth)
	}
	parent := ctx.topContext()
	if parent == nil {
		ctx.fatal("Cannot expand a macro at top level")
	}
	node := &FileStackNode{
		Type:   NodeMacro,
		Parent: parent.node,
		LineNo: parent.lineNo,
		Name:   name,
		ID:     -1,
	}
	ctx.fileStack = append(ctx.fileStack, &fstackContext{node: node})
}

func (ctx *Context) PushReptContext(iters []uint32) {
	parent := ctx.topContext()
	if parent == nil {
		ctx.fatal("Cannot start a REPT at top level")
	}
	node := &FileStackNode{
		Type:   NodeRept,
		Parent: parent.node,
		LineNo: parent.lineNo,
		Iters:  append([]uint32(nil), iters...),
		ID:     -1,
	}
	ctx.fileStack = append(ctx.fileStack, &fstackContext{node: node})
}

func (ctx *Context) PopContext() {
	if len(ctx.fileStack) == 0 {
		ctx.fatal("No context to pop")
	}
	ctx.fileStack = ctx.fileStack[:len(ctx.fileStack)-1]
}

func (ctx *Context) topContext() *fstackContext {
	if len(ctx.fileStack) == 0 {
		return nil
	}
	return ctx.fileStack[len(ctx.fileStack)-1]
}

// 当前行号由读取指令的一侧随行推进
func (ctx *Context) SetLineNo(lineNo uint32) {
	if top := ctx.topContext(); top != nil {
		top.lineNo = lineNo
	}
}

func (ctx *Context) LineNo() uint32 {
	if top := ctx.topContext(); top != nil {
		return top.lineNo
	}
	return 0
}

// 取当前文件栈节点，顺手把它和所有祖先标记为 referenced，
// 免得写 object 文件时漏掉
func (ctx *Context) GetFileStack() *FileStackNode {
	top := ctx.topContext()
	if top == nil {
		return nil
	}
	for node := top.node; node != nil && !node.Referenced; node = node.Parent {
		node.ID = -1
		node.Referenced = true
	}
	return top.node
}

// 跳过嵌套的 REPT，找到真正的文件名
func (ctx *Context) FileName() string {
	top := ctx.topContext()
	if top == nil {
		return ""
	}
	node := top.node
	for node.Type != NodeFile {
		node = node.Parent
	}
	return node.Name
}

func dumpNodeAndParents(w io.Writer, node *FileStackNode) string {
	var name string
	if node.Type == NodeRept {
		name = dumpNodeAndParents(w, node.Parent)
		fmt.Fprintf(w, "(%d) -> %s", node.LineNo, name)
		for i := len(node.Iters); i > 0; i-- {
			fmt.Fprintf(w, "::REPT~%d", node.Iters[i-1])
		}
	} else {
		name = node.Name
		if node.Parent != nil {
			dumpNodeAndParents(w, node.Parent)
			fmt.Fprintf(w, "(%d) -> %s", node.LineNo, name)
		} else {
			fmt.Fprint(w, name)
		}
	}
	return name
}

// 打印 "a.asm(5) -> mac.inc(2)" 这样的位置链，诊断信息的前缀
func DumpNode(w io.Writer, node *FileStackNode, lineNo uint32) {
	if node == nil {
		fmt.Fprint(w, "at top level")
		return
	}
	dumpNodeAndParents(w, node)
	fmt.Fprintf(w, "(%d)", lineNo)
}

func (ctx *Context) dumpCurrent(w io.Writer) {
	top := ctx.topContext()
	if top == nil {
		fmt.Fprint(w, "at top level")
		return
	}
	DumpNode(w, top.node, top.lineNo)
}

func (ctx *Context) AddIncludePath(path string) {
	if path == "" {
		return
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	ctx.includePaths = append(ctx.includePaths, path)
}

// 按 include 路径搜索文件，返回能打开的完整路径
func (ctx *Context) FindFile(name string) (string, bool) {
	for i := 0; i <= len(ctx.includePaths); i++ {
		fullPath := name
		if i > 0 {
			fullPath = ctx.includePaths[i-1] + name
		}
		if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
			return fullPath, true
		}
	}
	return "", false
}
