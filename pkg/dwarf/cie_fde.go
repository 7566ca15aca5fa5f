package dwarf

import "github.com/pkg/errors"

// Exception Header Encoding byte: low nibble is the value format, high
// nibble is the application (how the decoded value relates to a base
// address). DW_EH_PE_omit means the field is absent entirely.
const (
	ehPEOmit = 0xff

	ehPEAbsptr     = 0x00
	ehPEUleb       = 0x01
	ehPEUdata2     = 0x02
	ehPEUdata4     = 0x03
	ehPEUdata8     = 0x04
	ehPESleb       = 0x09
	ehPESdata2     = 0x0a
	ehPESdata4     = 0x0b
	ehPESdata8     = 0x0c
	ehPEFormatMask = 0x0f

	ehPEPcrel    = 0x10
	ehPEDatarel  = 0x30
	ehPEApplMask = 0x70

	ehPEIndirect = 0x80
)

// readEncodedPtr decodes one pointer-sized value per the Exception
// Header Encoding enc, resolving PC-relative and data-relative
// encodings against base (the absolute address of the first byte of
// the encoded value).
func readEncodedPtr(r *reader, enc byte, base uint64) (uint64, error) {
	if enc == ehPEOmit {
		return 0, errors.New("dwarf: encoded pointer field is omitted")
	}
	if enc&ehPEIndirect != 0 {
		return 0, errors.New("dwarf: indirect encoded pointers are unsupported")
	}

	var val uint64
	var err error
	switch enc & ehPEFormatMask {
	case ehPEAbsptr:
		val, err = r.u64()
	case ehPEUleb:
		val, err = r.uleb()
	case ehPEUdata2:
		var v uint16
		v, err = r.u16()
		val = uint64(v)
	case ehPEUdata4:
		var v uint32
		v, err = r.u32()
		val = uint64(v)
	case ehPEUdata8:
		val, err = r.u64()
	case ehPESleb:
		var v int64
		v, err = r.sleb()
		val = uint64(v)
	case ehPESdata2:
		var v uint16
		v, err = r.u16()
		val = uint64(int64(int16(v)))
	case ehPESdata4:
		var v uint32
		v, err = r.u32()
		val = uint64(int64(int32(v)))
	case ehPESdata8:
		val, err = r.u64()
	default:
		return 0, errors.Errorf("dwarf: unknown pointer encoding format 0x%x", enc&ehPEFormatMask)
	}
	if err != nil {
		return 0, err
	}

	switch enc & ehPEApplMask {
	case ehPEAbsptr:
		return val, nil
	case ehPEPcrel:
		return base + val, nil
	case ehPEDatarel:
		return base + val, nil
	default:
		// funcrel/textrel/aligned are not produced by the compilers
		// this engine targets; treat as absolute rather than fail
		// outright.
		return val, nil
	}
}

// CIE is a parsed Common Information Entry.
type CIE struct {
	CodeAlign     uint64
	DataAlign     int64
	ReturnAddrReg uint64
	FDEEncoding   byte // how this CIE's FDEs encode pc_begin/pc_range
	LSDAEncoding  byte
	IsSignalFrame bool
	HasAugBlock   bool // FDEs carry an augmentation-length + data block
	Instructions  []byte
}

// parseCIE parses the body of a CIE, starting just after the
// length/id fields.
func parseCIE(body []byte) (*CIE, error) {
	r := newReader(body)

	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	aug, err := r.str()
	if err != nil {
		return nil, err
	}
	if version >= 4 {
		if _, err := r.u8(); err != nil { // address_size
			return nil, err
		}
		if _, err := r.u8(); err != nil { // segment_selector_size
			return nil, err
		}
	}
	codeAlign, err := r.uleb()
	if err != nil {
		return nil, err
	}
	dataAlign, err := r.sleb()
	if err != nil {
		return nil, err
	}
	retReg, err := r.uleb()
	if err != nil {
		return nil, err
	}

	cie := &CIE{
		CodeAlign:     codeAlign,
		DataAlign:     dataAlign,
		ReturnAddrReg: retReg,
		FDEEncoding:   ehPEAbsptr,
		LSDAEncoding:  ehPEOmit,
	}

	if len(aug) > 0 && aug[0] == 'z' {
		cie.HasAugBlock = true
		augLen, err := r.uleb()
		if err != nil {
			return nil, err
		}
		augData, err := r.take(int(augLen))
		if err != nil {
			return nil, err
		}
		ar := newReader(augData)
		for _, c := range aug[1:] {
			switch c {
			case 'L':
				enc, err := ar.u8()
				if err != nil {
					return nil, err
				}
				cie.LSDAEncoding = enc
			case 'R':
				enc, err := ar.u8()
				if err != nil {
					return nil, err
				}
				cie.FDEEncoding = enc
			case 'P':
				if _, err := ar.u8(); err != nil { // personality encoding
					return nil, err
				}
				// personality pointer itself is not needed to unwind
				// registers, so its value is discarded.
			case 'S':
				cie.IsSignalFrame = true
			}
		}
	}

	cie.Instructions = body[r.pos:r.end]
	return cie, nil
}

// FDE is a parsed Frame Description Entry bound to its CIE.
type FDE struct {
	CIE          *CIE
	PCBegin      uint64
	PCRange      uint64
	Instructions []byte
}

// parseFDE parses the body of an FDE, starting just after the
// length/CIE-pointer fields. entryVaddr is the absolute address of
// the first byte of body, used to resolve PC-relative encodings.
func parseFDE(body []byte, cie *CIE, entryVaddr uint64) (*FDE, error) {
	r := newReader(body)

	pcBegin, err := readEncodedPtr(r, cie.FDEEncoding, entryVaddr+uint64(r.pos))
	if err != nil {
		return nil, errors.Wrap(err, "fde pc_begin")
	}
	rangeEnc := cie.FDEEncoding & ehPEFormatMask
	pcRange, err := readEncodedPtr(r, rangeEnc, 0)
	if err != nil {
		return nil, errors.Wrap(err, "fde pc_range")
	}

	if cie.HasAugBlock {
		// 'z' on the CIE means every FDE carries an augmentation length
		// followed by that many bytes of data (the LSDA pointer, when
		// 'L' is present). The LSDA itself is unused by register
		// unwinding and is skipped.
		augLen, err := r.uleb()
		if err != nil {
			return nil, err
		}
		if _, err := r.take(int(augLen)); err != nil {
			return nil, err
		}
	}

	return &FDE{
		CIE:          cie,
		PCBegin:      pcBegin,
		PCRange:      pcRange,
		Instructions: body[r.pos:r.end],
	}, nil
}
