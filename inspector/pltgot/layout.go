package pltgot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

// StubLayout describes how plt stubs are laid out.  The exact header size
// and per-entry stride are abi- and linker-version-dependent, so they are
// configuration rather than hard-coded; Derive validates them against the
// relocation count and degrades the model on mismatch.
type StubLayout struct {
	// Size in bytes of the shared resolver trampoline at the head of .plt.
	HeaderSize uint32 `yaml:"stub_header_size"`

	// Size in bytes of each per-routine stub.
	EntrySize uint32 `yaml:"stub_entry_size"`
}

// The i386 system v abi values used by gnu ld.
func DefaultStubLayout() StubLayout {
	return StubLayout{
		HeaderSize: 16,
		EntrySize:  16,
	}
}

func (layout StubLayout) Validate() error {
	if layout.EntrySize == 0 {
		return fmt.Errorf("%w. zero plt stub entry size", ErrInvalidArgument)
	}
	return nil
}

func LoadStubLayout(path string) (StubLayout, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return StubLayout{}, fmt.Errorf(
			"failed to read stub layout config: %w",
			err)
	}

	layout := DefaultStubLayout()
	err = yaml.Unmarshal(content, &layout)
	if err != nil {
		return StubLayout{}, fmt.Errorf(
			"failed to parse stub layout config: %w",
			err)
	}

	err = layout.Validate()
	if err != nil {
		return StubLayout{}, err
	}

	return layout, nil
}
