package asm

type SectionType uint8

const (
	SectTypeWRAM0 SectionType = iota
	SectTypeVRAM
	SectTypeROMX
	SectTypeROM0
	SectTypeHRAM
	SectTypeWRAMX
	SectTypeSRAM
	SectTypeOAM
)

/*
 * 每种 section 类型的静态属性表
 * @Name: 打印诊断信息时使用的名字
 * @StartAddr: 该类型在目标机地址空间中的起始地址
 * @Size: 该类型允许的最大字节数
 * @FirstBank/@LastBank: 允许的 bank 编号范围，非 banked 类型两者都为 0
 *
 * 只有 ROM0/ROMX 两种类型会真正携带输出数据（见 HasData），
 * 其余类型只占地址空间，不产生字节。
 */
type sectionTypeInfoEntry struct {
	Name      string
	StartAddr uint16
	Size      uint16
	FirstBank uint32
	LastBank  uint32
}

var sectionTypeInfo = [...]sectionTypeInfoEntry{
	SectTypeWRAM0: {Name: "WRAM0", StartAddr: 0xC000, Size: 0x1000},
	SectTypeVRAM:  {Name: "VRAM", StartAddr: 0x8000, Size: 0x2000, FirstBank: 0, LastBank: 1},
	SectTypeROMX:  {Name: "ROMX", StartAddr: 0x4000, Size: 0x4000, FirstBank: 1, LastBank: 511},
	SectTypeROM0:  {Name: "ROM0", StartAddr: 0x0000, Size: 0x4000},
	SectTypeHRAM:  {Name: "HRAM", StartAddr: 0xFF80, Size: 0x7F},
	SectTypeWRAMX: {Name: "WRAMX", StartAddr: 0xD000, Size: 0x1000, FirstBank: 1, LastBank: 7},
	SectTypeSRAM:  {Name: "SRAM", StartAddr: 0xA000, Size: 0x2000, FirstBank: 0, LastBank: 255},
	SectTypeOAM:   {Name: "OAM", StartAddr: 0xFE00, Size: 0xA0},
}

func (t SectionType) Name() string {
	return sectionTypeInfo[t].Name
}

// 只有 ROM0 和 ROMX 类型的 section 里才能放代码和数据
func HasData(t SectionType) bool {
	return t == SectTypeROM0 || t == SectTypeROMX
}

func startAddr(t SectionType) uint16 {
	return sectionTypeInfo[t].StartAddr
}

func endAddr(t SectionType) uint16 {
	return sectionTypeInfo[t].StartAddr + sectionTypeInfo[t].Size - 1
}

func maxSize(t SectionType) uint32 {
	return uint32(sectionTypeInfo[t].Size)
}

func nbBanks(t SectionType) uint32 {
	return sectionTypeInfo[t].LastBank - sectionTypeInfo[t].FirstBank + 1
}
