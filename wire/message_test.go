package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		code    Code
		payload []byte
	}{
		{"empty", CodeResponse, nil},
		{"exception", CodeException, []byte("boom")},
		{"syncrequest", CodeSyncRequest, []byte{0x01, 0x02, 0x03}},
		{"request", FirstRequestCode, bytes.Repeat([]byte{0xAB}, 4096)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := bytes.NewBuffer(Pack(c.code, c.payload))
			m, err := Unpack(buf)
			require.NoError(t, err)
			require.Equal(t, c.code, m.Code)
			require.Equal(t, c.payload, m.Payload)
		})
	}
}

func TestUnpackShortHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x01})
	_, err := Unpack(buf)
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestUnpackTruncatedPayload(t *testing.T) {
	full := Pack(FirstRequestCode, []byte("hello world"))
	buf := bytes.NewBuffer(full[:len(full)-3])
	_, err := Unpack(buf)
	require.Error(t, err)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestUnpackRejectsOversizeLength(t *testing.T) {
	hdr := Pack(FirstRequestCode, nil)
	// Forge a declared length far larger than the maximum allowed.
	hdr[2], hdr[3], hdr[4], hdr[5] = 0x7F, 0xFF, 0xFF, 0xFF
	_, err := Unpack(bytes.NewReader(hdr))
	require.Error(t, err)
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "response", CodeResponse.String())
	require.Equal(t, "exception", CodeException.String())
	require.Equal(t, "syncrequest", CodeSyncRequest.String())
	require.Contains(t, FirstRequestCode.String(), "request(")
}
