package asm

import (
	"fmt"
	"strings"
)

type WarningKind uint8

const (
	WarningUnterminatedLoad WarningKind = iota
	WarningEmptyDataDirective
	WarningUnmatchedDirective
	WarningBackwardsFor
	WarningTruncation
)

var warningFlags = [...]string{
	WarningUnterminatedLoad:   "unterminated-load",
	WarningEmptyDataDirective: "empty-data-directive",
	WarningUnmatchedDirective: "unmatched-directive",
	WarningBackwardsFor:       "backwards-for",
	WarningTruncation:         "truncation",
}

// 值塞不进 n 位的话告警一次。返回 false 让调用方别再重复检查
func (ctx *Context) checkNBit(v int32, n uint8, name string) bool {
	if v < -(1<<n) || v >= 1<<n {
		ctx.warning(WarningTruncation, "%s must be %d-bit", name, n)
		return false
	}
	return true
}

// 致命错误通过 panic 展开到 main（或测试）再退出，
// 这样引擎内部不用层层传递错误，测试也能捕获到它
type FatalError string

func (e FatalError) Error() string {
	return string(e)
}

// 下面三个是给外部协作方（语法分析、表达式求值这些）用的出口，
// 引擎内部走同名的小写版本
func (ctx *Context) Error(format string, a ...any) {
	ctx.error(format, a...)
}

func (ctx *Context) Warning(kind WarningKind, format string, a ...any) {
	ctx.warning(kind, format, a...)
}

func (ctx *Context) Fatal(format string, a ...any) {
	ctx.fatal(format, a...)
}

// error 级：报告后计数，当前操作作废，汇编继续跑完以便一次报出多个错误
func (ctx *Context) error(format string, a ...any) {
	var loc strings.Builder
	ctx.dumpCurrent(&loc)
	fmt.Fprintf(ctx.Stderr, "\033[0;1;31merror:\033[0m %s:\n    %s\n",
		loc.String(), fmt.Sprintf(format, a...))
	ctx.NbErrors++
}

func (ctx *Context) warning(kind WarningKind, format string, a ...any) {
	var loc strings.Builder
	ctx.dumpCurrent(&loc)
	fmt.Fprintf(ctx.Stderr, "\033[0;1;33mwarning:\033[0m %s: [-W%s]\n    %s\n",
		loc.String(), warningFlags[kind], fmt.Sprintf(format, a...))
}

// fatal 级：报告后立刻终止汇编
func (ctx *Context) fatal(format string, a ...any) {
	var loc strings.Builder
	ctx.dumpCurrent(&loc)
	msg := fmt.Sprintf(format, a...)
	fmt.Fprintf(ctx.Stderr, "\033[0;1;31mfatal:\033[0m %s:\n    %s\n", loc.String(), msg)
	panic(FatalError(msg))
}
