// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for every structured
// record the job store persists: job records, file manifests, the
// store marker, the root-job pointer.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): the same logical
// record always produces identical bytes. Record equality checks and
// conditional writes therefore work on raw bytes without re-decoding.
// Decoding ignores unknown fields, so old readers tolerate records
// written by newer code.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Records never use non-string map keys. When decoding into
		// an any-typed target the decoder must pick a concrete map
		// type; map[string]any keeps the result compatible with the
		// rest of the codebase (the CBOR default would be
		// map[interface{}]interface{}).
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decoding or
// embedding pre-encoded output. Type alias so consumers import only
// lib/codec, not the CBOR library.
type RawMessage = cbor.RawMessage
