package asm

import (
	"io"
	"os"
)

// 引擎消费的选项，都是调用方解析好的
type Options struct {
	PadByte           uint8
	MaxRecursionDepth uint32
	FixPrecision      uint8
	Verbose           bool
}

type UnionStackEntry struct {
	start uint32
	size  uint32
}

/*
 * PUSHS/POPS 保存恢复的单位：整个游标上下文按值进出。
 * union 栈是随上下文保存的，所以弹栈回来时栈里还留着成员是允许的。
 */
type SectionStackEntry struct {
	section     *Section
	loadSection *Section
	labelScopes LabelScopes
	offset      uint32
	loadOffset  int32
	unionStack  []UnionStackEntry
}

/*
 * 整个 section 引擎的状态都挂在 Context 上，不用进程级全局变量，
 * 测试可以各开各的。
 *
 * @sectionList/@sectionMap: section 注册表。list 按声明顺序排，下标就是
 *           稳定 ID；map 按名字索引，fragment literal 这类同名 sibling
 *           不进 map，名字永远解析到第一个。
 * @currentSection/@curOffset: 游标。curOffset 是符号偏移，label 的地址
 *           按它算（见 GetSymbolOffset）
 * @currentLoadSection/@loadOffset: LOAD overlay。字节写进 parent section
 *           的输出偏移 = curOffset + loadOffset，符号仍然按 overlay 解析
 * @currentUnionStack: 当前上下文的 UNION 嵌套
 * @sectionStack: PUSHS/POPS 的栈
 */
type Context struct {
	Options Options

	sectionList []*Section
	sectionMap  map[string]int

	currentSection *Section
	curOffset      uint32

	currentLoadSection     *Section
	currentLoadLabelScopes LabelScopes
	loadOffset             int32

	currentUnionStack []UnionStackEntry
	sectionStack      []SectionStackEntry

	symbolMap   map[string]*Symbol
	symbolList  []*Symbol
	labelScopes LabelScopes

	fileStack    []*fstackContext
	includePaths []string

	Stderr   io.Writer
	NbErrors uint32

	nextFragmentLiteralID uint64
}

func NewContext() *Context {
	return &Context{
		Options: Options{
			PadByte:           0x00,
			MaxRecursionDepth: 64,
			FixPrecision:      16,
		},
		sectionMap: make(map[string]int),
		symbolMap:  make(map[string]*Symbol),
		Stderr:     os.Stderr,
	}
}
