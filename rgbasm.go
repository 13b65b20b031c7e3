package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/japanoise/numparse"
	"github.com/pinobatch/rgbds/pkg/asm"
	"github.com/pinobatch/rgbds/pkg/utils"
)

var version string

type cmdArgs struct {
	output    string
	debugDump bool
}

func main() {
	ctx := asm.NewContext()
	// 解析命令行选项和参数
	cmd, remaining := parseArgs(ctx)

	if len(remaining) == 0 {
		utils.Fatal("no input files")
	}

	// 引擎的 fatal 通过 panic 展开到这里，统一按退出码 1 处理
	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				if _, isFatal := r.(asm.FatalError); isFatal {
					return
				}
				panic(r)
			}
		}()

		for _, path := range remaining {
			assembleFile(ctx, path)
		}

		// 文件读完后的收尾检查
		ctx.CheckUnionClosed()
		ctx.CheckLoadClosed()
		ctx.CheckStack()
		ctx.CheckSizes()
		return true
	}()

	if cmd.debugDump {
		dumpSections(ctx)
	}

	if !ok || ctx.NbErrors > 0 {
		fmt.Fprintf(os.Stderr, "Assembly aborted (%d error(s))!\n", ctx.NbErrors)
		os.Exit(1)
	}

	if cmd.output != "" {
		utils.MustNo(ctx.WriteObjectFile(cmd.output))
	}
}

// -d 的调试输出：把每个 section 的状态整个 dump 出来看
func dumpSections(ctx *asm.Context) {
	ctx.ForEachSection(func(sect *asm.Section) {
		spew.Fdump(os.Stderr, struct {
			Name      string
			Type      string
			Modifier  asm.SectionModifier
			Size      uint32
			Org       asm.OptU32
			Bank      asm.OptU32
			Align     uint8
			AlignOfs  uint16
			Data      []byte
			NbPatches int
		}{
			Name:      sect.Name,
			Type:      sect.Type.Name(),
			Modifier:  sect.Modifier,
			Size:      sect.Size,
			Org:       sect.Org,
			Bank:      sect.Bank,
			Align:     sect.Align,
			AlignOfs:  sect.AlignOfs,
			Data:      sect.Data[:min(len(sect.Data), int(sect.Size))],
			NbPatches: len(sect.Patches),
		})
	})
}

func parseArgs(ctx *asm.Context) (cmdArgs, []string) {
	args := os.Args[1:]
	cmd := cmdArgs{output: "out.obj"}
	var remaining []string

	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	// readArg 处理形如 "-o a.obj"，即选项后面带参数的形式
	arg := ""
	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
				}

				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}

		return false
	}

	// readFlag 处理形如 "-v" 不带参数的开关
	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}

		return false
	}

	for len(args) > 0 {
		switch {
		case readFlag("version"):
			fmt.Printf("rgbasm %s\n", version)
			os.Exit(0)
		case readArg("o"):
			cmd.output = arg
		case readArg("i"):
			ctx.AddIncludePath(arg)
		case readArg("p"):
			v, err := parseNum(arg)
			utils.MustNo(err)
			ctx.Options.PadByte = uint8(v)
		case readArg("r"):
			v, err := parseNum(arg)
			utils.MustNo(err)
			ctx.Options.MaxRecursionDepth = v
		case readFlag("d"):
			cmd.debugDump = true
		case readFlag("v"):
			ctx.Options.Verbose = true
		default:
			if strings.HasPrefix(args[0], "-") && len(args[0]) > 1 {
				utils.Fatal(fmt.Sprintf("unknown command line option: %s", args[0]))
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	return cmd, remaining
}

func assembleFile(ctx *asm.Context, path string) {
	file, err := os.Open(path)
	utils.MustNo(err)
	defer file.Close()

	ctx.PushFileContext(path)
	defer ctx.PopContext()

	scanner := bufio.NewScanner(file)
	lineNo := uint32(0)
	for scanner.Scan() {
		lineNo++
		ctx.SetLineNo(lineNo)
		processLine(ctx, scanner.Text())
	}
	utils.MustNo(scanner.Err())
}

// 每行：可选的 label，然后至多一条指令。注释从引号外的第一个分号开始。
func processLine(ctx *asm.Context, line string) {
	line = stripComment(line)
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	// "Label:" 或 ".local:" 前缀
	if idx := strings.IndexByte(line, ':'); idx >= 0 && isLabelName(line[:idx]) {
		ctx.AddLabel(line[:idx])
		line = strings.TrimSpace(line[idx+1:])
		if line == "" {
			return
		}
	}

	op := line
	rest := ""
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		op = line[:idx]
		rest = strings.TrimSpace(line[idx+1:])
	}

	switch strings.ToUpper(op) {
	case "SECTION":
		if name, typ, org, spec, mod, ok := parseSectionArgs(ctx, rest); ok {
			ctx.NewSection(name, typ, org, spec, mod)
		}
	case "ENDSECTION":
		ctx.EndSection()
	case "LOAD":
		if name, typ, org, spec, mod, ok := parseSectionArgs(ctx, rest); ok {
			ctx.SetLoadSection(name, typ, org, spec, mod)
		}
	case "ENDL":
		ctx.EndLoadSection("")
	case "UNION":
		ctx.StartUnion()
	case "NEXTU":
		ctx.NextUnionMember()
	case "ENDU":
		ctx.EndUnion()
	case "PUSHS":
		ctx.PushSection()
	case "POPS":
		ctx.PopSection()
	case "DB":
		dataDirective(ctx, rest, 1)
	case "DW":
		dataDirective(ctx, rest, 2)
	case "DL":
		dataDirective(ctx, rest, 4)
	case "DS":
		dsDirective(ctx, rest)
	case "ALIGN":
		alignDirective(ctx, rest)
	case "INCBIN":
		incbinDirective(ctx, rest)
	case "JR":
		ctx.ConstByte(0x18)
		ctx.PCRelByte(parseExpr(ctx, rest), 0)
	default:
		ctx.Error("Unknown directive '%s'", op)
	}
}

func isLabelName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r == '.' && i == 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}

// 按引号和方括号外的逗号切分参数
func splitArgs(s string) []string {
	var out []string
	depth := 0
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
			}
		case ',':
			if !inString && depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

// 数字字面量：$ 十六进制，% 二进制，其余交给 numparse
func parseNum(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if v, ok := utils.RemovePrefix(s, "$"); ok {
		s = "0x" + v
	} else if v, ok := utils.RemovePrefix(s, "%"); ok {
		s = "0b" + v
	}
	n, err := numparse.UNumParse(s)
	return uint32(n), err
}

func parseExpr(ctx *asm.Context, tok string) asm.Expression {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		ctx.Error("Empty expression")
		return asm.KnownExpr(0)
	}
	if isLabelName(tok) {
		return asm.SymExpr(ctx.GetSymbolByName(tok))
	}
	v, err := parseNum(tok)
	if err != nil {
		ctx.Error("Invalid expression '%s': %s", tok, err)
		return asm.KnownExpr(0)
	}
	return asm.KnownExpr(int32(v))
}

var sectionTypes = map[string]asm.SectionType{
	"ROM0":  asm.SectTypeROM0,
	"ROMX":  asm.SectTypeROMX,
	"VRAM":  asm.SectTypeVRAM,
	"SRAM":  asm.SectTypeSRAM,
	"WRAM0": asm.SectTypeWRAM0,
	"WRAMX": asm.SectTypeWRAMX,
	"OAM":   asm.SectTypeOAM,
	"HRAM":  asm.SectTypeHRAM,
}

// SECTION [UNION|FRAGMENT] "name", TYPE[$org][, BANK[n]][, ALIGN[a] | ALIGN[a, ofs]]
func parseSectionArgs(ctx *asm.Context, rest string) (name string, typ asm.SectionType, org asm.OptU32, spec asm.SectionSpec, mod asm.SectionModifier, ok bool) {
	rest = strings.TrimSpace(rest)
	if v, found := utils.RemovePrefix(rest, "UNION "); found {
		mod = asm.SectionUnion
		rest = strings.TrimSpace(v)
	} else if v, found := utils.RemovePrefix(rest, "FRAGMENT "); found {
		mod = asm.SectionFragment
		rest = strings.TrimSpace(v)
	}

	parts := splitArgs(rest)
	if len(parts) < 2 {
		ctx.Error("SECTION requires a name and a type")
		return
	}

	if len(parts[0]) < 2 || parts[0][0] != '"' || parts[0][len(parts[0])-1] != '"' {
		ctx.Error("Section name must be a quoted string")
		return
	}
	name = parts[0][1 : len(parts[0])-1]

	typeTok, bracket := cutBracket(parts[1])
	t, found := sectionTypes[strings.ToUpper(typeTok)]
	if !found {
		ctx.Error("Unknown section type '%s'", typeTok)
		return
	}
	typ = t
	if bracket != "" {
		v, err := parseNum(bracket)
		if err != nil {
			ctx.Error("Invalid fixed address '%s': %s", bracket, err)
			return
		}
		org = asm.SomeU32(v)
	}

	for _, part := range parts[2:] {
		attrTok, bracket := cutBracket(part)
		switch strings.ToUpper(attrTok) {
		case "BANK":
			v, err := parseNum(bracket)
			if err != nil {
				ctx.Error("Invalid bank number '%s': %s", bracket, err)
				return
			}
			spec.Bank = asm.SomeU32(v)
		case "ALIGN":
			alignParts := splitArgs(bracket)
			if len(alignParts) == 0 || len(alignParts) > 2 {
				ctx.Error("ALIGN takes one or two arguments")
				return
			}
			v, err := parseNum(alignParts[0])
			if err != nil {
				ctx.Error("Invalid alignment '%s': %s", alignParts[0], err)
				return
			}
			spec.Alignment = uint8(v)
			if len(alignParts) == 2 {
				o, err := parseNum(alignParts[1])
				if err != nil {
					ctx.Error("Invalid alignment offset '%s': %s", alignParts[1], err)
					return
				}
				spec.AlignOfs = uint16(o)
			}
		default:
			ctx.Error("Unknown section attribute '%s'", attrTok)
			return
		}
	}

	ok = true
	return
}

// "ROMX[$4000]" → ("ROMX", "$4000")
func cutBracket(tok string) (string, string) {
	open := strings.IndexByte(tok, '[')
	if open < 0 || !strings.HasSuffix(tok, "]") {
		return tok, ""
	}
	return tok[:open], strings.TrimSpace(tok[open+1 : len(tok)-1])
}

// DB/DW/DL：不带参数就是留 width 字节的洞
func dataDirective(ctx *asm.Context, rest string, width int) {
	if strings.TrimSpace(rest) == "" {
		ctx.Skip(uint32(width), false)
		return
	}

	for _, part := range splitArgs(rest) {
		if len(part) >= 2 && part[0] == '"' && part[len(part)-1] == '"' {
			units := make([]int32, 0, len(part)-2)
			for _, b := range []byte(part[1 : len(part)-1]) {
				units = append(units, int32(b))
			}
			switch width {
			case 1:
				ctx.ByteString(units)
			case 2:
				ctx.WordString(units)
			case 4:
				ctx.LongString(units)
			}
			continue
		}

		expr := parseExpr(ctx, part)
		switch width {
		case 1:
			ctx.RelByte(expr, 0)
		case 2:
			ctx.RelWord(expr, 0)
		case 4:
			ctx.RelLong(expr, 0)
		}
	}
}

// DS n 或 DS n, expr...
func dsDirective(ctx *asm.Context, rest string) {
	parts := splitArgs(rest)
	if len(parts) == 0 {
		ctx.Error("DS requires a size")
		return
	}
	n, err := parseNum(parts[0])
	if err != nil {
		ctx.Error("Invalid DS size '%s': %s", parts[0], err)
		return
	}

	if len(parts) == 1 {
		ctx.Skip(n, true)
		return
	}

	exprs := make([]asm.Expression, 0, len(parts)-1)
	for _, part := range parts[1:] {
		exprs = append(exprs, parseExpr(ctx, part))
	}
	ctx.RelBytes(n, exprs)
}

func alignDirective(ctx *asm.Context, rest string) {
	parts := splitArgs(rest)
	if len(parts) == 0 || len(parts) > 2 {
		ctx.Error("ALIGN takes one or two arguments")
		return
	}
	v, err := parseNum(parts[0])
	if err != nil {
		ctx.Error("Invalid alignment '%s': %s", parts[0], err)
		return
	}
	var offset uint16
	if len(parts) == 2 {
		o, err := parseNum(parts[1])
		if err != nil {
			ctx.Error("Invalid alignment offset '%s': %s", parts[1], err)
			return
		}
		offset = uint16(o)
	}
	ctx.AlignPC(uint8(v), offset)
}

// INCBIN "file"[, start[, length]]
func incbinDirective(ctx *asm.Context, rest string) {
	parts := splitArgs(rest)
	if len(parts) == 0 || len(parts) > 3 {
		ctx.Error("INCBIN takes one to three arguments")
		return
	}
	if len(parts[0]) < 2 || parts[0][0] != '"' || parts[0][len(parts[0])-1] != '"' {
		ctx.Error("INCBIN file name must be a quoted string")
		return
	}
	name := parts[0][1 : len(parts[0])-1]

	var startPos uint32
	if len(parts) >= 2 {
		v, err := parseNum(parts[1])
		if err != nil {
			ctx.Error("Invalid INCBIN start position '%s': %s", parts[1], err)
			return
		}
		startPos = v
	}

	if len(parts) == 3 {
		length, err := parseNum(parts[2])
		if err != nil {
			ctx.Error("Invalid INCBIN length '%s': %s", parts[2], err)
			return
		}
		ctx.BinaryFileSlice(name, startPos, length)
	} else {
		ctx.BinaryFile(name, startPos)
	}
}
