package store

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// archiveRecord is the verbatim content of a cold turn.
type archiveRecord struct {
	UserText     string `cbor:"1,keyasint"`
	ResponseText string `cbor:"2,keyasint"`
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll.
var (
	archiveEnc  cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	archiveEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// sealArchive encodes a turn's text for cold storage. It returns the
// compressed blob and the BLAKE3 digest of the encoded record.
func sealArchive(userText, responseText string) (blob, digest []byte, err error) {
	raw, err := archiveEnc.Marshal(archiveRecord{UserText: userText, ResponseText: responseText})
	if err != nil {
		return nil, nil, fmt.Errorf("encode archive: %w", err)
	}
	sum := blake3.Sum256(raw)
	return zstdEncoder.EncodeAll(raw, nil), sum[:], nil
}

// openArchive reverses sealArchive. A digest mismatch is an error; the
// caller never gets back text that differs from what was sealed.
func openArchive(blob, digest []byte) (userText, responseText string, err error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return "", "", fmt.Errorf("decompress archive: %w", err)
	}
	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], digest) {
		return "", "", fmt.Errorf("archive digest mismatch")
	}
	var rec archiveRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return "", "", fmt.Errorf("decode archive: %w", err)
	}
	return rec.UserText, rec.ResponseText, nil
}
