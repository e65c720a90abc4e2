package txkeeper

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorDecoder resolves Solidity custom errors out of RPC revert data.
// Nodes return the raw ABI-encoded error bytes; with the contract ABIs
// registered the decoder turns those bytes back into the error name and
// its parameters.
type ErrorDecoder struct {
	// errorBySelector maps the 4-byte selector (hex, no 0x) to its ABI
	// error definition.
	errorBySelector map[string]*abi.Error
}

// NewErrorDecoder builds a decoder from one or more contract ABIs. Errors
// from all ABIs are merged; duplicate selectors resolve to the same
// definition so later ABIs simply overwrite.
func NewErrorDecoder(abis ...abi.ABI) (*ErrorDecoder, error) {
	if len(abis) == 0 {
		return nil, fmt.Errorf("at least one ABI must be provided")
	}

	d := &ErrorDecoder{
		errorBySelector: map[string]*abi.Error{},
	}
	for _, contractABI := range abis {
		for name := range contractABI.Errors {
			abiErr := contractABI.Errors[name]
			selector := hex.EncodeToString(abiErr.ID[:4])
			d.errorBySelector[selector] = &abiErr
		}
	}
	return d, nil
}

// Decode extracts and unpacks the custom error carried by err. The
// returned error always wraps the original so callers can keep matching
// with errors.Is; on a successful decode it carries the resolved error
// name and parameters.
func (d *ErrorDecoder) Decode(err error) (*abi.Error, interface{}, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, nil, fmt.Errorf("not a Solidity custom error: %w", err)
	}

	raw := dataErr.ErrorData()
	if raw == nil {
		return nil, nil, fmt.Errorf("no error data: %w", err)
	}

	encoded, ok := raw.(string)
	if !ok {
		return nil, nil, fmt.Errorf("error data is not string: %w", err)
	}

	data, decodeErr := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("failed to decode error data %q: %w", encoded, err)
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("invalid error data length %d, need at least 4 bytes: %w", len(data), err)
	}

	selector := hex.EncodeToString(data[:4])
	abiErr, known := d.errorBySelector[selector]
	if !known {
		return nil, nil, fmt.Errorf("unknown error: 0x%s: %w", selector, err)
	}

	params, unpackErr := abiErr.Unpack(data)
	if unpackErr != nil {
		return abiErr, nil, fmt.Errorf("failed to unpack error selector 0x%s: %v: %w", selector, unpackErr, err)
	}

	return abiErr, params, fmt.Errorf("contract error: %s with params %+v: %w", abiErr.Name, params, err)
}
