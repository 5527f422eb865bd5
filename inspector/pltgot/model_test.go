package pltgot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/dyninspect/elf"
	"github.com/pattyshack/dyninspect/elf/elftest"

	. "github.com/pattyshack/dyninspect/inspector/common"
)

type ModelSuite struct{}

func TestModel(t *testing.T) {
	suite.RunTests(t, &ModelSuite{})
}

func parseImage(t *testing.T, image elftest.Image) *elf.File {
	file, err := elf.ParseBytes(image.Content)
	expect.Nil(t, err)
	return file
}

func (ModelSuite) TestDerive(t *testing.T) {
	image := elftest.NewBuilder("foo", "bar", "baz").Build()
	file := parseImage(t, image)

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.False(t, model.Degraded)
	expect.Equal(t, 3, len(model.Entries))

	expect.Equal(t, VirtualAddress(image.PltAddress), model.PltRange.Low)
	expect.Equal(
		t,
		VirtualAddress(image.PltAddress),
		model.ResolverRange.Low)
	expect.Equal(
		t,
		VirtualAddress(image.PltAddress+16),
		model.ResolverRange.High)
	expect.Equal(
		t,
		VirtualAddress(image.GotPltAddress),
		model.GotPltRange.Low)

	for idx, name := range []string{"foo", "bar", "baz"} {
		entry := model.Entries[idx]
		expect.Equal(t, name, entry.SymbolName)
		expect.Equal(
			t,
			VirtualAddress(image.StubAddress(idx)),
			entry.StubAddress)
		expect.Equal(
			t,
			VirtualAddress(image.GotSlotAddress(idx)),
			entry.GotSlotAddress)
		expect.Equal(
			t,
			image.UnresolvedSlotValue(idx),
			entry.UnresolvedStubValue)

		// The unresolved value must point back into the plt.
		expect.True(
			t,
			model.PltRange.Contains(
				VirtualAddress(entry.UnresolvedStubValue)))
	}
}

func (ModelSuite) TestDeriveIsDeterministic(t *testing.T) {
	image := elftest.NewBuilder("foo", "bar").Build()
	file := parseImage(t, image)

	first, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)

	second, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)

	expect.True(t, reflect.DeepEqual(first, second))
}

func (ModelSuite) TestEntryByStubAddress(t *testing.T) {
	image := elftest.NewBuilder("foo", "bar").Build()
	file := parseImage(t, image)

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)

	entry, ok := model.EntryByStubAddress(
		VirtualAddress(image.StubAddress(1)))
	expect.True(t, ok)
	expect.Equal(t, "bar", entry.SymbolName)

	_, ok = model.EntryByStubAddress(VirtualAddress(image.StubAddress(1) + 1))
	expect.False(t, ok)
}

func (ModelSuite) TestStaticallyLinkedExecutable(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.OmitRelPlt = true
	file := parseImage(t, builder.Build())

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.False(t, model.Degraded)
	expect.Equal(t, 0, len(model.Entries))
}

func (ModelSuite) TestStrideMismatchDegrades(t *testing.T) {
	builder := elftest.NewBuilder("foo", "bar")
	builder.ExtraPltPadding = 8
	file := parseImage(t, builder.Build())

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.True(t, model.Degraded)
	expect.True(
		t,
		strings.Contains(model.DegradedReason, "plt section size"))

	// The model stays usable.
	expect.Equal(t, 2, len(model.Entries))
}

func (ModelSuite) TestUnexpectedRelocationTypeDegrades(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.RelocationType = elf.RelocationTypeGlobDat
	file := parseImage(t, builder.Build())

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.True(t, model.Degraded)
	expect.True(
		t,
		strings.Contains(model.DegradedReason, "relocation type"))
}

func (ModelSuite) TestCorruptStubDegrades(t *testing.T) {
	builder := elftest.NewBuilder("foo", "bar")
	builder.CorruptFirstStub = true
	file := parseImage(t, builder.Build())

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.True(t, model.Degraded)
	expect.True(
		t,
		strings.Contains(
			model.DegradedReason,
			"does not start with a jump"))
}

func (ModelSuite) TestDegradeKeepsFirstReason(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.ExtraPltPadding = 8
	builder.RelocationType = elf.RelocationTypeGlobDat
	file := parseImage(t, builder.Build())

	model, err := Derive(file, DefaultStubLayout())
	expect.Nil(t, err)
	expect.True(t, model.Degraded)
	expect.True(
		t,
		strings.Contains(model.DegradedReason, "plt section size"))
}

func (ModelSuite) TestRelocationOutsideGotIsMalformed(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.BadRelocationOffset = true
	file := parseImage(t, builder.Build())

	_, err := Derive(file, DefaultStubLayout())
	expect.Error(t, err, "outside .got.plt")
	expect.True(t, errors.Is(err, elf.ErrMalformed))
}

func (ModelSuite) TestUnresolvableSymbolIsMalformed(t *testing.T) {
	builder := elftest.NewBuilder("foo")
	builder.BadSymbolIndex = true
	file := parseImage(t, builder.Build())

	_, err := Derive(file, DefaultStubLayout())
	expect.Error(t, err, "does not resolve")
	expect.True(t, errors.Is(err, elf.ErrMalformed))
}

func (ModelSuite) TestInvalidLayout(t *testing.T) {
	image := elftest.NewBuilder("foo").Build()
	file := parseImage(t, image)

	_, err := Derive(file, StubLayout{HeaderSize: 16, EntrySize: 0})
	expect.Error(t, err, "zero plt stub entry size")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

type LayoutSuite struct{}

func TestLayout(t *testing.T) {
	suite.RunTests(t, &LayoutSuite{})
}

func (LayoutSuite) TestDefaults(t *testing.T) {
	layout := DefaultStubLayout()
	expect.Equal(t, uint32(16), layout.HeaderSize)
	expect.Equal(t, uint32(16), layout.EntrySize)
	expect.Nil(t, layout.Validate())
}

func (LayoutSuite) TestLoadFromYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	err := os.WriteFile(
		path,
		[]byte("stub_header_size: 32\nstub_entry_size: 8\n"),
		0o644)
	expect.Nil(t, err)

	layout, err := LoadStubLayout(path)
	expect.Nil(t, err)
	expect.Equal(t, uint32(32), layout.HeaderSize)
	expect.Equal(t, uint32(8), layout.EntrySize)
}

func (LayoutSuite) TestLoadPartialYamlKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	err := os.WriteFile(path, []byte("stub_header_size: 0\n"), 0o644)
	expect.Nil(t, err)

	layout, err := LoadStubLayout(path)
	expect.Nil(t, err)
	expect.Equal(t, uint32(0), layout.HeaderSize)
	expect.Equal(t, uint32(16), layout.EntrySize)
}

func (LayoutSuite) TestLoadRejectsZeroEntrySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	err := os.WriteFile(path, []byte("stub_entry_size: 0\n"), 0o644)
	expect.Nil(t, err)

	_, err = LoadStubLayout(path)
	expect.Error(t, err, "zero plt stub entry size")
}

func (LayoutSuite) TestLoadMissingFile(t *testing.T) {
	_, err := LoadStubLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	expect.Error(t, err, "failed to read stub layout config")
}

func (LayoutSuite) TestLoadInvalidYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	err := os.WriteFile(path, []byte("stub_entry_size: [\n"), 0o644)
	expect.Nil(t, err)

	_, err = LoadStubLayout(path)
	expect.Error(t, err, "failed to parse stub layout config")
}
