// Package elftest builds small 32-bit little-endian x86 executable images
// in memory.  The images are well-formed enough for the parser and the
// plt/got model; each builder knob introduces one specific defect.
package elftest

import (
	"encoding/binary"

	"github.com/pattyshack/dyninspect/elf"
)

const (
	baseAddress   = uint32(0x08048000)
	gotPltAddress = uint32(0x08049000)

	pltHeaderSize = uint32(16)
	pltEntrySize  = uint32(16)

	// Slots reserved for the loader (&_DYNAMIC, link map, resolver entry)
	// ahead of the per-routine slots.
	reservedGotSlots = uint32(3)
)

type Builder struct {
	routines []string

	// Appended to .plt to break the header + n * entry relationship.
	ExtraPltPadding int

	// Relocation type for every .rel.plt entry.
	RelocationType elf.RelocationType

	// Overwrite the first stub's jump with nops.
	CorruptFirstStub bool

	// Point the first relocation's offset outside .got.plt.
	BadRelocationOffset bool

	// Point the first relocation at a symbol index past the symbol table.
	BadSymbolIndex bool

	// Rename .rel.plt so the image looks statically linked to the model.
	OmitRelPlt bool
}

func NewBuilder(routines ...string) *Builder {
	return &Builder{
		routines:       routines,
		RelocationType: elf.RelocationTypeJumpSlot,
	}
}

// Image is a built executable plus the address arithmetic tests need to
// talk about its stubs and slots.
type Image struct {
	Content []byte

	PltAddress    uint32
	GotPltAddress uint32
}

func (image Image) StubAddress(idx int) uint32 {
	return image.PltAddress + pltHeaderSize + uint32(idx)*pltEntrySize
}

func (image Image) GotSlotAddress(idx int) uint32 {
	return image.GotPltAddress + 4*(reservedGotSlots+uint32(idx))
}

// The got slot's file image value: the push instruction following the
// stub's jump.
func (image Image) UnresolvedSlotValue(idx int) uint32 {
	return image.StubAddress(idx) + 6
}

func align(value uint32, alignment uint32) uint32 {
	return (value + alignment - 1) / alignment * alignment
}

func (b *Builder) Build() Image {
	n := len(b.routines)

	text := make([]byte, 32)
	for idx := range text {
		text[idx] = 0x90 // nop
	}

	dynstr := []byte{0}
	nameIndices := make([]uint32, 0, n)
	for _, name := range b.routines {
		nameIndices = append(nameIndices, uint32(len(dynstr)))
		dynstr = append(dynstr, name...)
		dynstr = append(dynstr, 0)
	}

	symbols := make([]elf.SymbolEntry, 0, n+1)
	symbols = append(symbols, elf.SymbolEntry{}) // index 0 is reserved
	for idx := range b.routines {
		symbols = append(
			symbols,
			elf.SymbolEntry{
				NameIndex: nameIndices[idx],
				Info: byte(elf.SymbolBindingGlobal)<<4 |
					byte(elf.SymbolTypeFunction),
			})
	}

	// Virtual addresses track the content layout within a single read/exec
	// segment; .got.plt lives in its own writable page.
	textAddr := baseAddress
	dynstrAddr := align(textAddr+uint32(len(text)), 16)
	dynsymAddr := align(dynstrAddr+uint32(len(dynstr)), 16)
	relPltAddr := align(
		dynsymAddr+uint32(len(symbols)*elf.Elf32SymbolEntrySize),
		16)
	pltAddr := align(relPltAddr+uint32(n*elf.Elf32RelEntrySize), 16)

	slotAddr := func(idx int) uint32 {
		return gotPltAddress + 4*(reservedGotSlots+uint32(idx))
	}
	stubAddr := func(idx int) uint32 {
		return pltAddr + pltHeaderSize + uint32(idx)*pltEntrySize
	}

	// The shared resolver trampoline: pushl got+4 ; jmp *got+8 ; nop pad.
	plt := []byte{0xff, 0x35}
	plt = binary.LittleEndian.AppendUint32(plt, gotPltAddress+4)
	plt = append(plt, 0xff, 0x25)
	plt = binary.LittleEndian.AppendUint32(plt, gotPltAddress+8)
	plt = append(plt, 0x90, 0x90, 0x90, 0x90)

	for idx := range b.routines {
		// jmp *slot ; push reloc_offset ; jmp trampoline
		plt = append(plt, 0xff, 0x25)
		plt = binary.LittleEndian.AppendUint32(plt, slotAddr(idx))
		plt = append(plt, 0x68)
		plt = binary.LittleEndian.AppendUint32(
			plt,
			uint32(idx*elf.Elf32RelEntrySize))
		plt = append(plt, 0xe9)
		plt = binary.LittleEndian.AppendUint32(
			plt,
			uint32(int32(pltAddr)-int32(stubAddr(idx)+pltEntrySize)))
	}

	if b.CorruptFirstStub && n > 0 {
		for idx := uint32(0); idx < 6; idx++ {
			plt[pltHeaderSize+idx] = 0x90
		}
	}

	plt = append(plt, make([]byte, b.ExtraPltPadding)...)

	gotPlt := []byte{}
	for idx := uint32(0); idx < reservedGotSlots; idx++ {
		gotPlt = binary.LittleEndian.AppendUint32(gotPlt, 0)
	}
	for idx := range b.routines {
		gotPlt = binary.LittleEndian.AppendUint32(gotPlt, stubAddr(idx)+6)
	}

	relocations := make([]elf.RelocationEntry, 0, n)
	for idx := range b.routines {
		offset := slotAddr(idx)
		if idx == 0 && b.BadRelocationOffset {
			offset = gotPltAddress - 4
		}

		symbolIndex := uint32(idx + 1)
		if idx == 0 && b.BadSymbolIndex {
			symbolIndex = uint32(len(symbols) + 10)
		}

		relocations = append(
			relocations,
			elf.RelocationEntry{
				Offset: offset,
				Info:   symbolIndex<<8 | uint32(b.RelocationType),
			})
	}

	relPlt := []byte{}
	for _, relocation := range relocations {
		var err error
		relPlt, err = binary.Append(relPlt, binary.LittleEndian, relocation)
		if err != nil {
			panic("should never happen: " + err.Error())
		}
	}

	shstrtab := []byte{0}
	sectionNameIndex := func(name string) uint32 {
		idx := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return idx
	}

	dynsym := []byte{}
	for _, symbol := range symbols {
		var err error
		dynsym, err = binary.Append(dynsym, binary.LittleEndian, symbol)
		if err != nil {
			panic("should never happen: " + err.Error())
		}
	}

	content := make([]byte, elf.Elf32HeaderSize)

	addContent := func(body []byte) uint32 {
		for len(content)%4 != 0 {
			content = append(content, 0)
		}
		offset := uint32(len(content))
		content = append(content, body...)
		return offset
	}

	headers := []elf.SectionHeaderEntry{{}} // index 0 is always undefined

	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:   sectionNameIndex(".text"),
			SectionType: elf.SectionTypeProgramDefinedInfo,
			SectionFlags: elf.SectionOccupiesMemory |
				elf.SectionContainsInstructions,
			Address:          textAddr,
			Offset:           addContent(text),
			Size:             uint32(len(text)),
			AddressAlignment: 16,
		})

	dynstrIndex := uint32(len(headers))
	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:        sectionNameIndex(".dynstr"),
			SectionType:      elf.SectionTypeStringTable,
			SectionFlags:     elf.SectionOccupiesMemory,
			Address:          dynstrAddr,
			Offset:           addContent(dynstr),
			Size:             uint32(len(dynstr)),
			AddressAlignment: 1,
		})

	dynsymIndex := uint32(len(headers))
	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:        sectionNameIndex(".dynsym"),
			SectionType:      elf.SectionTypeDynamicSymbolTable,
			SectionFlags:     elf.SectionOccupiesMemory,
			Address:          dynsymAddr,
			Offset:           addContent(dynsym),
			Size:             uint32(len(dynsym)),
			Link:             dynstrIndex,
			Info:             1, // first non-local symbol
			AddressAlignment: 4,
			EntrySize:        elf.Elf32SymbolEntrySize,
		})

	relPltName := ".rel.plt"
	if b.OmitRelPlt {
		relPltName = ".rel.dyn"
	}
	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:        sectionNameIndex(relPltName),
			SectionType:      elf.SectionTypeRelocationNoAddends,
			SectionFlags:     elf.SectionOccupiesMemory,
			Address:          relPltAddr,
			Offset:           addContent(relPlt),
			Size:             uint32(len(relPlt)),
			Link:             dynsymIndex,
			AddressAlignment: 4,
			EntrySize:        elf.Elf32RelEntrySize,
		})

	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:   sectionNameIndex(".plt"),
			SectionType: elf.SectionTypeProgramDefinedInfo,
			SectionFlags: elf.SectionOccupiesMemory |
				elf.SectionContainsInstructions,
			Address:          pltAddr,
			Offset:           addContent(plt),
			Size:             uint32(len(plt)),
			AddressAlignment: 16,
		})

	gotPltOffset := addContent(gotPlt)
	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:   sectionNameIndex(".got.plt"),
			SectionType: elf.SectionTypeProgramDefinedInfo,
			SectionFlags: elf.SectionOccupiesMemory |
				elf.SectionContainsWritableData,
			Address:          gotPltAddress,
			Offset:           gotPltOffset,
			Size:             uint32(len(gotPlt)),
			AddressAlignment: 4,
		})

	shstrtabIndex := uint32(len(headers))
	headers = append(
		headers,
		elf.SectionHeaderEntry{
			NameIndex:        sectionNameIndex(elf.SectionStringTableName),
			SectionType:      elf.SectionTypeStringTable,
			Offset:           addContent(shstrtab),
			Size:             uint32(len(shstrtab)),
			AddressAlignment: 1,
		})

	programHeaders := []elf.ProgramHeaderEntry{
		{
			ProgramType:     elf.ProgramLoadable,
			VirtualAddress:  baseAddress,
			PhysicalAddress: baseAddress,
			FileImageSize:   pltAddr + uint32(len(plt)) - baseAddress,
			MemoryImageSize: pltAddr + uint32(len(plt)) - baseAddress,
			ProgramFlags: elf.ProgramFlagReadableBit |
				elf.ProgramFlagExecutableBit,
			Alignment: 0x1000,
		},
		{
			ProgramType:     elf.ProgramLoadable,
			ContentOffset:   gotPltOffset,
			VirtualAddress:  gotPltAddress,
			PhysicalAddress: gotPltAddress,
			FileImageSize:   uint32(len(gotPlt)),
			MemoryImageSize: uint32(len(gotPlt)),
			ProgramFlags: elf.ProgramFlagReadableBit |
				elf.ProgramFlagWritableBit,
			Alignment: 0x1000,
		},
	}

	phdrBytes := []byte{}
	for _, programHeader := range programHeaders {
		var err error
		phdrBytes, err = binary.Append(
			phdrBytes,
			binary.LittleEndian,
			programHeader)
		if err != nil {
			panic("should never happen: " + err.Error())
		}
	}
	phdrOffset := addContent(phdrBytes)

	shdrBytes := []byte{}
	for _, header := range headers {
		var err error
		shdrBytes, err = binary.Append(shdrBytes, binary.LittleEndian, header)
		if err != nil {
			panic("should never happen: " + err.Error())
		}
	}
	shdrOffset := addContent(shdrBytes)

	elfHeader := elf.ElfHeader{
		Identifier: elf.Identifier{
			Class:              elf.Class32,
			DataEncoding:       elf.DataEncodingTwosComplementLittleEndian,
			IdentifierVersion:  elf.IdentifierVersion,
			OperatingSystemABI: elf.OperatingSystemABIUnixSystemV,
		},
		FileType:                elf.FileTypeExecutable,
		MachineArchitecture:     elf.MachineArchitectureI386,
		FormatVersion:           elf.FormatVersion,
		EntryPointAddress:       textAddr,
		ProgramHeaderOffset:     phdrOffset,
		SectionHeaderOffset:     shdrOffset,
		ElfHeaderSize:           elf.Elf32HeaderSize,
		ProgramHeaderEntrySize:  elf.Elf32ProgramHeaderEntrySize,
		NumProgramHeaderEntries: uint16(len(programHeaders)),
		SectionHeaderEntrySize:  elf.Elf32SectionHeaderEntrySize,
		NumSectionHeaderEntries: uint16(len(headers)),
		SectionStringTableIndex: elf.SectionIndex(shstrtabIndex),
	}
	copy(elfHeader.Magic[:], elf.IdentifierMagic)

	n2, err := binary.Encode(
		content[:elf.Elf32HeaderSize],
		binary.LittleEndian,
		&elfHeader)
	if err != nil {
		panic("should never happen: " + err.Error())
	}
	if n2 != elf.Elf32HeaderSize {
		panic("should never happen")
	}

	return Image{
		Content:       content,
		PltAddress:    pltAddr,
		GotPltAddress: gotPltAddress,
	}
}
