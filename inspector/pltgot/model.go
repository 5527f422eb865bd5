package pltgot

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/pattyshack/dyninspect/elf"
	. "github.com/pattyshack/dyninspect/inspector/common"
)

const (
	pltSectionName     = ".plt"
	gotPltSectionName  = ".got.plt"
	relPltSectionName  = ".rel.plt"
	relaPltSectionName = ".rela.plt"
)

// PltEntry is the derived view of one imported routine: where its plt stub
// lives, which got slot the stub jumps through, and the value the slot holds
// before the resolver runs.  The unresolved value by construction points
// back into the plt (at the push instruction following the stub's jump).
type PltEntry struct {
	SymbolName string

	StubAddress    VirtualAddress
	GotSlotAddress VirtualAddress

	UnresolvedStubValue uint32
}

func (entry PltEntry) String() string {
	return fmt.Sprintf(
		"%s: stub=%s slot=%s unresolved=0x%08x",
		entry.SymbolName,
		entry.StubAddress,
		entry.GotSlotAddress,
		entry.UnresolvedStubValue)
}

// Model is the static plt/got view of one executable.  Entries are ordered
// by relocation table order, which is what maps stub index to relocation
// index.
type Model struct {
	Entries []PltEntry

	// The whole .plt section.
	PltRange AddressRange

	// The shared resolver trampoline at the head of .plt.
	ResolverRange AddressRange

	GotPltRange AddressRange

	// Degraded means the stub stride assumption could not be verified.  The
	// model is still usable, but downstream phase classification is
	// best-effort and must be surfaced as low confidence.
	Degraded       bool
	DegradedReason string
}

func (model *Model) EntryByStubAddress(addr VirtualAddress) (PltEntry, bool) {
	for _, entry := range model.Entries {
		if entry.StubAddress == addr {
			return entry, true
		}
	}
	return PltEntry{}, false
}

func (model *Model) degrade(reason string) {
	if model.Degraded {
		return
	}
	model.Degraded = true
	model.DegradedReason = reason
}

// Derive builds the plt/got model from a parsed elf file.  Executables
// without .rel.plt / .got.plt (statically linked, or pie without plt) yield
// an empty, non-degraded model.
//
// Derive is pure: the same file and layout always produce the same model.
func Derive(file *elf.File, layout StubLayout) (*Model, error) {
	err := layout.Validate()
	if err != nil {
		return nil, err
	}

	model := &Model{}

	relocations, ok := relocationSection(file)
	if !ok {
		return model, nil
	}

	gotPlt, ok := file.GetSection(gotPltSectionName)
	if !ok {
		return model, nil
	}

	plt, ok := file.GetSection(pltSectionName)
	if !ok {
		return model, nil
	}

	pltHdr := plt.Header()
	gotPltHdr := gotPlt.Header()

	model.PltRange = AddressRange{
		Low:  VirtualAddress(pltHdr.Address),
		High: VirtualAddress(pltHdr.Address + pltHdr.Size),
	}
	model.ResolverRange = AddressRange{
		Low:  VirtualAddress(pltHdr.Address),
		High: VirtualAddress(pltHdr.Address + layout.HeaderSize),
	}
	model.GotPltRange = AddressRange{
		Low:  VirtualAddress(gotPltHdr.Address),
		High: VirtualAddress(gotPltHdr.Address + gotPltHdr.Size),
	}

	numEntries := uint32(len(relocations.Entries))
	if pltHdr.Size != layout.HeaderSize+numEntries*layout.EntrySize {
		model.degrade(fmt.Sprintf(
			"plt section size (%d) does not match %d relocation entries "+
				"(header=%d entry=%d)",
			pltHdr.Size,
			numEntries,
			layout.HeaderSize,
			layout.EntrySize))
	}

	for idx, relocation := range relocations.Entries {
		if relocation.Type() != elf.RelocationTypeJumpSlot {
			model.degrade(fmt.Sprintf(
				"unexpected relocation type (%s) in %s",
				relocation.Type(),
				relocations.Name()))
		}

		slot := VirtualAddress(relocation.Offset)
		if !model.GotPltRange.Contains(slot) {
			return nil, fmt.Errorf(
				"%w: relocation offset %s outside %s",
				elf.ErrMalformed,
				slot,
				gotPltSectionName)
		}

		symbol := relocations.Symbol(relocation)
		if symbol == nil {
			return nil, fmt.Errorf(
				"%w: relocation symbol index (%d) does not resolve",
				elf.ErrMalformed,
				relocation.SymbolIndex())
		}

		stub := model.PltRange.Low +
			VirtualAddress(layout.HeaderSize+uint32(idx)*layout.EntrySize)

		entry := PltEntry{
			SymbolName:     symbol.PrettyName(),
			StubAddress:    stub,
			GotSlotAddress: slot,
		}

		value, err := unresolvedStubValue(file, slot)
		if err != nil {
			model.degrade(err.Error())
		} else {
			entry.UnresolvedStubValue = value
		}

		validateStub(file, model, layout, entry)

		model.Entries = append(model.Entries, entry)
	}

	return model, nil
}

func relocationSection(file *elf.File) (*elf.RelocationSection, bool) {
	for _, name := range []string{relPltSectionName, relaPltSectionName} {
		section, ok := file.GetSection(name)
		if !ok {
			continue
		}

		relocations, ok := section.(*elf.RelocationSection)
		if ok {
			return relocations, true
		}
	}

	return nil, false
}

// The value stored in the got slot in the file image.  Recorded as the
// reference for recognizing the not-yet-resolved state without a live
// process.
func unresolvedStubValue(
	file *elf.File,
	slot VirtualAddress,
) (
	uint32,
	error,
) {
	content, err := file.ContentAt(elf.FileAddress(slot), 4)
	if err != nil {
		return 0, fmt.Errorf("cannot read got slot %s from file: %w", slot, err)
	}

	return binary.LittleEndian.Uint32(content), nil
}

// validateStub decodes the stub's first instruction and checks that it is an
// indirect jump through the entry's got slot.  A stub that decodes to
// anything else means the positional stub/relocation mapping cannot be
// trusted.
func validateStub(
	file *elf.File,
	model *Model,
	layout StubLayout,
	entry PltEntry,
) {
	content, err := file.ContentAt(
		elf.FileAddress(entry.StubAddress),
		layout.EntrySize)
	if err != nil {
		model.degrade(fmt.Sprintf(
			"cannot read plt stub for %s: %s",
			entry.SymbolName,
			err))
		return
	}

	inst, err := x86asm.Decode(content, 32)
	if err != nil || inst.Op != x86asm.JMP {
		model.degrade(fmt.Sprintf(
			"plt stub for %s does not start with a jump",
			entry.SymbolName))
		return
	}

	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		model.degrade(fmt.Sprintf(
			"plt stub for %s does not jump through memory",
			entry.SymbolName))
		return
	}

	// Position independent stubs jump through a register-relative slot
	// (base register holds the got base); the displacement alone cannot be
	// checked without the register value.
	if mem.Base != 0 {
		return
	}

	if VirtualAddress(mem.Disp) != entry.GotSlotAddress {
		model.degrade(fmt.Sprintf(
			"plt stub for %s jumps through 0x%08x instead of its got slot %s",
			entry.SymbolName,
			uint32(mem.Disp),
			entry.GotSlotAddress))
	}
}
