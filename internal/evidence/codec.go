package evidence

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Export returns the JSON form of the binding.
func (b *Binder) Export(id string) ([]byte, error) {
	bd, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(bd)
	if err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}
	return out, nil
}

// ExportCBOR returns the compact CBOR form of the binding.
func (b *Binder) ExportCBOR(id string) ([]byte, error) {
	bd, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := cborEnc.Marshal(bd)
	if err != nil {
		return nil, fmt.Errorf("ExportCBOR: %w", err)
	}
	return out, nil
}

// Decode parses a JSON-encoded binding without validating it.
func Decode(data []byte) (*Binding, error) {
	var bd Binding
	if err := json.Unmarshal(data, &bd); err != nil {
		return nil, fmt.Errorf("Decode: %w", err)
	}
	return &bd, nil
}

// DecodeCBOR parses a CBOR-encoded binding without validating it.
func DecodeCBOR(data []byte) (*Binding, error) {
	var bd Binding
	if err := cborDec.Unmarshal(data, &bd); err != nil {
		return nil, fmt.Errorf("DecodeCBOR: %w", err)
	}
	return &bd, nil
}

// Import validates a JSON-encoded binding and stores it. A binding that
// fails validation is refused with ErrInvalidBinding; the Validation is
// returned either way.
func (b *Binder) Import(data []byte) (*Binding, Validation, error) {
	bd, err := Decode(data)
	if err != nil {
		return nil, Validation{}, err
	}
	return b.importBinding(bd)
}

// ImportCBOR is Import for the CBOR form.
func (b *Binder) ImportCBOR(data []byte) (*Binding, Validation, error) {
	bd, err := DecodeCBOR(data)
	if err != nil {
		return nil, Validation{}, err
	}
	return b.importBinding(bd)
}

func (b *Binder) importBinding(bd *Binding) (*Binding, Validation, error) {
	v := b.Validate(bd)
	if !v.Valid() {
		b.logger.Warn("refusing invalid evidence binding",
			zap.String("binding_id", bd.ID),
			zap.Strings("errors", v.Errors),
		)
		return nil, v, fmt.Errorf("%w: %s", ErrInvalidBinding, bd.ID)
	}
	if err := b.add(bd); err != nil {
		return nil, v, err
	}
	return bd.Clone(), v, nil
}
