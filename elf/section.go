package elf

import (
	"bytes"
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// An address as encoded in the elf file, before the loader applies any load
// bias.
type FileAddress uint32

func (addr FileAddress) String() string {
	return fmt.Sprintf("0x%08x", uint32(addr))
}

type Section interface {
	Header() SectionHeaderEntry

	BindSectionNameTable(sectionNames *StringTableSection)
	Name() string

	RawContent() ([]byte, error)

	// See elf spec. Figure 1-12. sh_link and sh_info interpretation.
	BindStringTable(stringTable *StringTableSection)
	BindSymbolTable(symbolTable *SymbolTableSection)
}

type BaseSection struct {
	SectionHeaderEntry

	sectionNameTable *StringTableSection
	name             string
}

func newBaseSection(header SectionHeaderEntry) BaseSection {
	return BaseSection{
		SectionHeaderEntry: header,
	}
}

func (base *BaseSection) Header() SectionHeaderEntry {
	return base.SectionHeaderEntry
}

func (base *BaseSection) Name() string {
	return base.name
}

func (base *BaseSection) BindSectionNameTable(
	sectionNames *StringTableSection,
) {
	base.sectionNameTable = sectionNames
	base.name = sectionNames.Get(base.NameIndex)
}

func (BaseSection) RawContent() ([]byte, error) {
	return nil, fmt.Errorf("cannot get raw content")
}

func (BaseSection) BindStringTable(table *StringTableSection) {
}

func (BaseSection) BindSymbolTable(table *SymbolTableSection) {
}

// AddressRange returns the virtual address range the section occupies in
// memory, which is empty for sections that are not loaded.
func (base *BaseSection) AddressRange() (FileAddress, FileAddress) {
	if base.SectionFlags&SectionOccupiesMemory == 0 {
		return 0, 0
	}

	return FileAddress(base.Address), FileAddress(base.Address + base.Size)
}

func (base *BaseSection) Contains(addr FileAddress) bool {
	low, high := base.AddressRange()
	return low <= addr && addr < high
}

type RawSection struct {
	BaseSection

	Content []byte
}

func newRawSection(header SectionHeaderEntry, buffer []byte) *RawSection {
	content := make([]byte, len(buffer))
	copy(content, buffer)

	return &RawSection{
		BaseSection: newBaseSection(header),
		Content:     content,
	}
}

func (section *RawSection) RawContent() ([]byte, error) {
	return section.Content, nil
}

type StringTableSection struct {
	BaseSection

	Content []byte
}

func NewStringTableSection(
	header SectionHeaderEntry,
	buffer []byte,
) *StringTableSection {
	content := make([]byte, len(buffer))
	copy(content, buffer)

	return &StringTableSection{
		BaseSection: newBaseSection(header),
		Content:     content,
	}
}

func (table *StringTableSection) Get(index uint32) string {
	if index >= uint32(len(table.Content)) {
		return ""
	}

	chunk := table.Content[index:]
	end := bytes.IndexByte(chunk, 0)
	if end == -1 {
		return ""
	}

	return string(chunk[:end])
}

func (table *StringTableSection) NumEntries() int {
	count := 0
	for _, b := range table.Content[1:] {
		if b == 0 {
			count += 1
		}
	}
	return count
}

type Symbol struct {
	SymbolEntry

	Parent        *SymbolTableSection
	Name          string
	DemangledName string // human readable c++ / rust name
}

func (symbol Symbol) PrettyName() string {
	if symbol.DemangledName != "" {
		return symbol.DemangledName
	}

	return symbol.Name
}

func (symbol Symbol) Type() SymbolType {
	return SymbolInfoToType(symbol.Info)
}

func (symbol Symbol) Binding() SymbolBinding {
	return SymbolInfoToBinding(symbol.Info)
}

// Imported symbols have no definition in this file.
func (symbol Symbol) IsImported() bool {
	return symbol.SectionIndex == SectionIndexUndefined &&
		symbol.NameIndex != 0
}

func (symbol Symbol) AddressRange() (FileAddress, FileAddress, bool) {
	if symbol.Value == 0 || symbol.NameIndex == 0 {
		return 0, 0, false
	}

	start := FileAddress(symbol.Value)
	end := FileAddress(symbol.Value + symbol.Size)
	return start, end, true
}

type SymbolTableSection struct {
	BaseSection

	Symbols []*Symbol

	stringTable *StringTableSection
}

func (table *SymbolTableSection) BindStringTable(names *StringTableSection) {
	table.stringTable = names
	for _, symbol := range table.Symbols {
		symbol.Name = names.Get(symbol.NameIndex)
		val, err := demangle.ToString(symbol.Name)
		if err == nil {
			symbol.DemangledName = val
		}
	}
}

func (table *SymbolTableSection) SymbolsByName(name string) []*Symbol {
	result := []*Symbol{}
	for _, symbol := range table.Symbols {
		if symbol.Name == name || symbol.DemangledName == name {
			result = append(result, symbol)
		}
	}
	return result
}

func (table *SymbolTableSection) SymbolAt(address FileAddress) *Symbol {
	for _, symbol := range table.Symbols {
		low, _, ok := symbol.AddressRange()
		if ok && low == address {
			return symbol
		}
	}

	return nil
}

func (table *SymbolTableSection) SymbolSpans(address FileAddress) *Symbol {
	for _, symbol := range table.Symbols {
		low, high, ok := symbol.AddressRange()
		if ok && low <= address && address < high {
			return symbol
		}
	}

	return nil
}

// SHT_REL / SHT_RELA section.  Addends are parsed but unused by dynamic
// linking inspection; R_386_JMP_SLOT relocations never carry one.
type RelocationSection struct {
	BaseSection

	Entries []RelocationEntry
	Addends []int32 // empty for SHT_REL

	symbolTable *SymbolTableSection
}

func newRelocationSection(
	header SectionHeaderEntry,
	entries []RelocationEntry,
	addends []int32,
) *RelocationSection {
	return &RelocationSection{
		BaseSection: newBaseSection(header),
		Entries:     entries,
		Addends:     addends,
	}
}

func (section *RelocationSection) BindSymbolTable(
	table *SymbolTableSection,
) {
	section.symbolTable = table
}

// Symbol resolves the relocation's symbol index against the bound symbol
// table.  Returns nil for out of range indices and for the reserved index 0.
func (section *RelocationSection) Symbol(rel RelocationEntry) *Symbol {
	if section.symbolTable == nil {
		return nil
	}

	idx := rel.SymbolIndex()
	if idx == 0 || idx >= uint32(len(section.symbolTable.Symbols)) {
		return nil
	}

	return section.symbolTable.Symbols[idx]
}
