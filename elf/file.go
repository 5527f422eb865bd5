package elf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Resources:
// https://refspecs.linuxfoundation.org/

// ErrMalformed indicates the input does not parse as a supported elf file.
// All parse failures wrap this error.
var ErrMalformed = fmt.Errorf("malformed elf")

type machineSpec struct {
	MachineArchitecture
	DataEncoding
	OperatingSystemABI
}

var (
	// NOTE: For now, only supports 32-bit little-endian x86 linux system v abi
	supportedArchitecture = map[MachineArchitecture]machineSpec{
		MachineArchitectureI386: machineSpec{
			MachineArchitecture: MachineArchitectureI386,
			DataEncoding:        DataEncodingTwosComplementLittleEndian,
			OperatingSystemABI:  OperatingSystemABIUnixSystemV,
		},
	}
)

type File struct {
	ElfHeader
	Sections       []Section
	ProgramHeaders []ProgramHeaderEntry
}

func (file *File) GetSection(name string) (Section, bool) {
	for _, section := range file.Sections {
		if section.Name() == name {
			return section, true
		}
	}

	return nil, false
}

// SectionContaining returns the loaded section whose virtual address range
// covers addr.
func (file *File) SectionContaining(addr FileAddress) (Section, bool) {
	for _, section := range file.Sections {
		hdr := section.Header()
		if hdr.SectionFlags&SectionOccupiesMemory == 0 {
			continue
		}

		if FileAddress(hdr.Address) <= addr &&
			addr < FileAddress(hdr.Address+hdr.Size) {

			return section, true
		}
	}

	return nil, false
}

// ContentAt reads size bytes of file content at the given virtual address,
// translating through the containing section's file offset.
func (file *File) ContentAt(addr FileAddress, size uint32) ([]byte, error) {
	section, ok := file.SectionContaining(addr)
	if !ok {
		return nil, fmt.Errorf("no section contains address %s", addr)
	}

	content, err := section.RawContent()
	if err != nil {
		return nil, fmt.Errorf(
			"cannot read content at %s from section %s: %w",
			addr,
			section.Name(),
			err)
	}

	start := uint32(addr) - section.Header().Address
	if uint64(start)+uint64(size) > uint64(len(content)) {
		return nil, fmt.Errorf(
			"content at %s runs past the end of section %s",
			addr,
			section.Name())
	}

	return content[start : start+size], nil
}

// DynamicSymbolTable returns the .dynsym section, if any.
func (file *File) DynamicSymbolTable() (*SymbolTableSection, bool) {
	section, ok := file.GetSection(".dynsym")
	if !ok {
		return nil, false
	}

	table, ok := section.(*SymbolTableSection)
	return table, ok
}

type parser struct {
	content []byte

	binary.ByteOrder

	File
}

func Parse(reader io.Reader) (*File, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read elf file: %w", err)
	}

	return ParseBytes(content)
}

func ParseBytes(content []byte) (*File, error) {
	p := parser{
		content: content,
	}

	err := p.parse()
	if err != nil {
		return nil, err
	}

	return &p.File, nil
}

func (p *parser) parse() error {
	// NOTE: identifier (e_ident) has no endian-ness.  We must parse identifier
	// to determine the elf file's endian-ness (including the elf header).
	err := p.parseIdentifier()
	if err != nil {
		return err
	}

	err = p.parseHeader()
	if err != nil {
		return err
	}

	err = p.parseSectionHeaders()
	if err != nil {
		return err
	}

	err = p.parseProgramHeaders()
	if err != nil {
		return err
	}

	return nil
}

func (p *parser) parseIdentifier() error {
	id := &Identifier{}

	n, err := binary.Decode(p.content, binary.NativeEndian, id)
	if err != nil {
		return fmt.Errorf("%w: failed to parse identifier: %w", ErrMalformed, err)
	}

	if n != ElfIdentifierSize {
		panic("should never happen")
	}

	if !bytes.Equal(id.Magic[:], IdentifierMagic) {
		return fmt.Errorf("%w: invalid elf magic number", ErrMalformed)
	}

	if id.Class != Class32 {
		return fmt.Errorf("%w: unsupported elf class: %s", ErrMalformed, id.Class)
	}

	switch id.DataEncoding {
	case DataEncodingTwosComplementLittleEndian:
		p.ByteOrder = binary.LittleEndian
	default:
		return fmt.Errorf(
			"%w: unsupported data encoding: %s",
			ErrMalformed,
			id.DataEncoding)
	}

	if id.IdentifierVersion != IdentifierVersion {
		return fmt.Errorf(
			"%w: unsupported identifier version: %d",
			ErrMalformed,
			id.IdentifierVersion)
	}

	if id.OperatingSystemABI != OperatingSystemABIUnixSystemV &&
		id.OperatingSystemABI != OperatingSystemABILinux {

		return fmt.Errorf(
			"%w: unsupported os/abi: %s",
			ErrMalformed,
			id.OperatingSystemABI)
	}

	return nil
}

func (p *parser) parseHeader() error {
	n, err := binary.Decode(p.content, p.ByteOrder, &p.ElfHeader)
	if err != nil {
		return fmt.Errorf("%w: failed to parse header: %w", ErrMalformed, err)
	}

	if n != Elf32HeaderSize {
		panic("should never happen")
	}

	spec, ok := supportedArchitecture[p.MachineArchitecture]
	if !ok {
		return fmt.Errorf(
			"%w: unsupported machine architecture: %s",
			ErrMalformed,
			p.MachineArchitecture)
	}

	if spec.DataEncoding != p.DataEncoding {
		return fmt.Errorf(
			"%w: invalid data encoding (%s) for machine architecture (%s)",
			ErrMalformed,
			p.DataEncoding,
			p.MachineArchitecture)
	}

	if p.FormatVersion != FormatVersion {
		return fmt.Errorf(
			"%w: unsupported format version: %d",
			ErrMalformed,
			p.FormatVersion)
	}

	if p.ElfHeaderSize != Elf32HeaderSize {
		return fmt.Errorf(
			"%w: unexpected elf32 header size: %d",
			ErrMalformed,
			p.ElfHeaderSize)
	}

	if p.NumProgramHeaderEntries > 0 &&
		p.ProgramHeaderEntrySize != Elf32ProgramHeaderEntrySize {

		return fmt.Errorf(
			"%w: unexpected elf32 program header entry size: %d",
			ErrMalformed,
			p.ProgramHeaderEntrySize)
	}

	if p.NumSectionHeaderEntries > 0 &&
		p.SectionHeaderEntrySize != Elf32SectionHeaderEntrySize {

		return fmt.Errorf(
			"%w: unexpected elf32 section header entry size: %d",
			ErrMalformed,
			p.SectionHeaderEntrySize)
	}

	// For simplicity, we'll disallow extended section header.  Most elf structs
	// (e.g., Elf32_Sym.st_shndx) don't support extended section indexing.
	if p.SectionHeaderOffset > 0 && p.NumSectionHeaderEntries == 0 {
		return fmt.Errorf("%w: extended section header not supported", ErrMalformed)
	}

	return nil
}

func (p *parser) parseSectionHeaders() error {
	if p.NumSectionHeaderEntries == 0 {
		return nil
	}

	end := uint64(p.SectionHeaderOffset) +
		uint64(p.NumSectionHeaderEntries)*Elf32SectionHeaderEntrySize
	if end > uint64(len(p.content)) {
		return fmt.Errorf(
			"%w: out of bound section header offset (%d)",
			ErrMalformed,
			p.SectionHeaderOffset)
	}

	sectionHeaders := make([]SectionHeaderEntry, p.NumSectionHeaderEntries)
	n, err := binary.Decode(
		p.content[p.SectionHeaderOffset:],
		p.ByteOrder,
		sectionHeaders)
	if err != nil {
		return fmt.Errorf(
			"%w: failed to read section header entries: %w",
			ErrMalformed,
			err)
	}
	if n != int(p.NumSectionHeaderEntries)*Elf32SectionHeaderEntrySize {
		panic("should never happen")
	}

	for _, header := range sectionHeaders {
		var sectionContent []byte
		if header.SectionType != SectionTypeNoSpace {
			start := uint64(header.Offset)
			end := start + uint64(header.Size)
			if end > uint64(len(p.content)) {
				return fmt.Errorf(
					"%w: out of bound section (%d > %d)",
					ErrMalformed,
					end,
					len(p.content))
			}

			sectionContent = p.content[start:end]
		}

		switch header.SectionType {
		case SectionTypeStringTable:
			p.Sections = append(
				p.Sections,
				NewStringTableSection(header, sectionContent))
		case SectionTypeSymbolTable,
			SectionTypeDynamicSymbolTable:

			table, err := p.parseSymbolTable(header, sectionContent)
			if err != nil {
				return err
			}
			p.Sections = append(p.Sections, table)
		case SectionTypeRelocationNoAddends,
			SectionTypeRelocationWithAddends:

			section, err := p.parseRelocations(header, sectionContent)
			if err != nil {
				return err
			}
			p.Sections = append(p.Sections, section)
		default:
			p.Sections = append(p.Sections, newRawSection(header, sectionContent))
		}
	}

	// Bind section names
	if p.SectionStringTableIndex != SectionIndexUndefined {
		idx := int(p.SectionStringTableIndex)
		if idx >= len(p.Sections) {
			return fmt.Errorf(
				"%w: section name index out of bound (%d >= %d)",
				ErrMalformed,
				idx,
				len(p.Sections))
		}

		table, ok := p.Sections[idx].(*StringTableSection)
		if !ok {
			return fmt.Errorf(
				"%w: section name index does not point to a string table",
				ErrMalformed)
		}

		for _, section := range p.Sections {
			section.BindSectionNameTable(table)
		}
	}

	// Bind sh_link section
	// See elf spec. Figure 1-12. sh_link and sh_info Interpretation.
	for _, section := range p.Sections {
		hdr := section.Header()

		if hdr.Link == 0 { // section 0 is always undefined
			continue
		}

		if hdr.Link >= uint32(len(p.Sections)) {
			return fmt.Errorf(
				"%w: sh_link index out of bound (%d >= %d)",
				ErrMalformed,
				hdr.Link,
				len(p.Sections))
		}

		switch hdr.SectionType {
		case SectionTypeDynamic,
			SectionTypeSymbolTable,
			SectionTypeDynamicSymbolTable:

			table, ok := p.Sections[hdr.Link].(*StringTableSection)
			if !ok {
				return fmt.Errorf(
					"%w: string table index does not point to a string table",
					ErrMalformed)
			}

			section.BindStringTable(table)
		case SectionTypeSymbolHashTable,
			SectionTypeRelocationWithAddends,
			SectionTypeRelocationNoAddends:

			table, ok := p.Sections[hdr.Link].(*SymbolTableSection)
			if !ok {
				return fmt.Errorf(
					"%w: symbol table index (%d) does not point to a symbol table (%s)",
					ErrMalformed,
					hdr.Link,
					p.Sections[hdr.Link].Name())
			}

			section.BindSymbolTable(table)
		}
	}

	return nil
}

func (p *parser) parseSymbolTable(
	header SectionHeaderEntry,
	content []byte,
) (
	*SymbolTableSection,
	error,
) {
	if len(content)%Elf32SymbolEntrySize != 0 {
		return nil, fmt.Errorf(
			"%w: invalid symbol table size (%d)",
			ErrMalformed,
			len(content))
	}

	numEntries := len(content) / Elf32SymbolEntrySize
	rawEntries := make([]SymbolEntry, numEntries)
	n, err := binary.Decode(content, p.ByteOrder, rawEntries)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: failed to parse symbol table: %w",
			ErrMalformed,
			err)
	}
	if n != len(content) {
		panic("should never happen")
	}

	table := &SymbolTableSection{
		BaseSection: newBaseSection(header),
	}

	symbols := make([]*Symbol, 0, numEntries)
	for _, entry := range rawEntries {
		symbols = append(
			symbols,
			&Symbol{
				SymbolEntry: entry,
				Parent:      table,
			})
	}

	table.Symbols = symbols
	return table, nil
}

func (p *parser) parseRelocations(
	header SectionHeaderEntry,
	content []byte,
) (
	*RelocationSection,
	error,
) {
	entrySize := Elf32RelEntrySize
	withAddends := header.SectionType == SectionTypeRelocationWithAddends
	if withAddends {
		entrySize = Elf32RelaEntrySize
	}

	if len(content)%entrySize != 0 {
		return nil, fmt.Errorf(
			"%w: invalid relocation table size (%d)",
			ErrMalformed,
			len(content))
	}

	numEntries := len(content) / entrySize
	entries := make([]RelocationEntry, 0, numEntries)
	var addends []int32
	if withAddends {
		addends = make([]int32, 0, numEntries)
	}

	for i := 0; i < numEntries; i++ {
		chunk := content[i*entrySize:]

		entry := RelocationEntry{}
		_, err := binary.Decode(chunk, p.ByteOrder, &entry)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: failed to parse relocation entry: %w",
				ErrMalformed,
				err)
		}
		entries = append(entries, entry)

		if withAddends {
			var addend int32
			_, err := binary.Decode(chunk[Elf32RelEntrySize:], p.ByteOrder, &addend)
			if err != nil {
				return nil, fmt.Errorf(
					"%w: failed to parse relocation addend: %w",
					ErrMalformed,
					err)
			}
			addends = append(addends, addend)
		}
	}

	return newRelocationSection(header, entries, addends), nil
}

func (p *parser) parseProgramHeaders() error {
	if p.NumProgramHeaderEntries == 0 {
		return nil
	}

	end := uint64(p.ProgramHeaderOffset) +
		uint64(p.NumProgramHeaderEntries)*Elf32ProgramHeaderEntrySize
	if end > uint64(len(p.content)) {
		return fmt.Errorf(
			"%w: out of bound program header offset (%d)",
			ErrMalformed,
			p.ProgramHeaderOffset)
	}

	programHeaders := make([]ProgramHeaderEntry, p.NumProgramHeaderEntries)
	n, err := binary.Decode(
		p.content[p.ProgramHeaderOffset:],
		p.ByteOrder,
		programHeaders)
	if err != nil {
		return fmt.Errorf(
			"%w: failed to read program header entries: %w",
			ErrMalformed,
			err)
	}
	if n != int(p.NumProgramHeaderEntries)*Elf32ProgramHeaderEntrySize {
		panic("should never happen")
	}

	p.ProgramHeaders = programHeaders
	return nil
}
