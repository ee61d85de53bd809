package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNet = uint32(btcwire.MainNet)

func testCodec() *Codec {
	return NewCodec(testNet, ProtocolVersion, 1024*1024)
}

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func hashPtr(b byte) *chainhash.Hash {
	h := hashFromByte(b)
	return &h
}

func testTx() *MsgTx {
	return &MsgTx{
		Version: 1,
		TxIn: []*TxIn{
			{
				PreviousOutPoint: OutPoint{Hash: hashFromByte(7), Index: 3},
				SignatureScript:  []byte{0x01, 0x02, 0x03},
				Sequence:         0xffffffff,
			},
		},
		TxOut: []*TxOut{
			{Value: 5000000000, PkScript: []byte{0x76, 0xa9}},
			{Value: 1, PkScript: []byte{0x51}},
		},
		LockTime: 0,
	}
}

func testHeader(nonce uint32) *BlockHeader {
	return &BlockHeader{
		Version:    2,
		PrevBlock:  hashFromByte(1),
		MerkleRoot: hashFromByte(2),
		Timestamp:  time.Unix(1681095630, 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

// frame builds an envelope around an arbitrary payload with a valid checksum.
func frame(magic uint32, cmd string, payload []byte) []byte {
	buf := make([]byte, MessageHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	copy(buf[4:16], cmd)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:24], chainhash.DoubleHashB(payload)[:4])
	copy(buf[24:], payload)
	return buf
}

func TestRoundTrip(t *testing.T) {
	codec := testCodec()

	messages := []Message{
		&MsgVersion{
			ProtocolVersion: 70015,
			Services:        SFNodeNetwork | SFNodeWitness,
			Timestamp:       time.Unix(1681095630, 0),
			AddrYou:         NetAddress{Services: SFNodeNetwork, IP: net.ParseIP("10.0.0.1"), Port: 8333},
			AddrMe:          NetAddress{IP: net.ParseIP("::1"), Port: 18333},
			Nonce:           0xdeadbeef,
			UserAgent:       "/btcnode:0.1.0/",
			LastBlock:       2000,
			DisableRelayTx:  true,
		},
		&MsgVerAck{},
		&MsgSendHeaders{},
		&MsgPing{Nonce: 42},
		&MsgPong{Nonce: 42},
		&MsgGetHeaders{
			ProtocolVersion:    ProtocolVersion,
			BlockLocatorHashes: []*chainhash.Hash{hashPtr(3), hashPtr(4)},
			HashStop:           hashFromByte(0),
		},
		&MsgHeaders{Headers: []*BlockHeader{testHeader(1), testHeader(2)}},
		&MsgInv{InvList: []*InvVect{NewInvVect(InvTypeBlock, hashFromByte(5)), NewInvVect(InvTypeTx, hashFromByte(6))}},
		&MsgGetData{InvList: []*InvVect{NewInvVect(InvTypeBlock, hashFromByte(5))}},
		&MsgNotFound{InvList: []*InvVect{NewInvVect(InvTypeTx, hashFromByte(6))}},
		&MsgBlock{Header: *testHeader(3), Transactions: []*MsgTx{testTx(), testTx()}},
		testTx(),
		&MsgAddr{AddrList: []*NetAddress{
			{Timestamp: time.Unix(1681095630, 0), Services: SFNodeNetwork, IP: net.ParseIP("192.168.1.20"), Port: 8333},
		}},
		&MsgReject{Cmd: CmdBlock, Code: RejectInvalid, Reason: "bad-txns", Hash: hashFromByte(9)},
		&MsgReject{Cmd: CmdVersion, Code: RejectObsolete, Reason: "too old"},
		&MsgUnknown{Cmd: "feefilter", Payload: []byte{0xe8, 0x03, 0, 0, 0, 0, 0, 0}},
	}

	for _, msg := range messages {
		t.Run(msg.Command(), func(t *testing.T) {
			b, err := codec.Encode(msg)
			require.NoError(t, err)

			decoded, n, err := codec.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, msg, decoded)

			streamed, err := codec.ReadMessage(bytes.NewReader(b))
			require.NoError(t, err)
			assert.Equal(t, msg, streamed)
		})
	}
}

func TestDecodeIncomplete(t *testing.T) {
	codec := testCodec()
	b, err := codec.Encode(&MsgBlock{Header: *testHeader(1), Transactions: []*MsgTx{testTx()}})
	require.NoError(t, err)

	for i := 0; i < len(b); i++ {
		_, n, err := codec.Decode(b[:i])
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
		require.Equal(t, 0, n)
		require.False(t, IsMalformed(err))
	}
}

func TestDecodeSequence(t *testing.T) {
	codec := testCodec()
	first, err := codec.Encode(&MsgPing{Nonce: 1})
	require.NoError(t, err)
	second, err := codec.Encode(&MsgPong{Nonce: 1})
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second...)

	msg, n, err := codec.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, &MsgPing{Nonce: 1}, msg)

	msg, m, err := codec.Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, &MsgPong{Nonce: 1}, msg)
	assert.Equal(t, len(buf), n+m)
}

func TestDecodeMalformed(t *testing.T) {
	codec := testCodec()

	oversized := frame(testNet, CmdPing, make([]byte, 8))
	binary.LittleEndian.PutUint32(oversized[16:20], codec.MaxPayload+1)

	badChecksum := frame(testNet, CmdPing, make([]byte, 8))
	badChecksum[20] ^= 0xff

	badCommand := frame(testNet, CmdPing, make([]byte, 8))
	badCommand[4+6] = 'x'

	truncatedReason := []byte{byte(len(CmdVersion))}
	truncatedReason = append(truncatedReason, CmdVersion...)
	truncatedReason = append(truncatedReason, byte(RejectObsolete), 10, 'a', 'b')

	tests := []struct {
		name    string
		input   []byte
		errType MessageErrType
	}{
		{"wrong magic", frame(uint32(btcwire.TestNet3), CmdPing, make([]byte, 8)), BadMagic},
		{"payload too large", oversized, PayloadTooLarge},
		{"checksum", badChecksum, BadChecksum},
		{"command padding", badCommand, BadCommand},
		{"short ping", frame(testNet, CmdPing, make([]byte, 4)), BadPayload},
		{"trailing bytes", frame(testNet, CmdVerAck, []byte{0}), BadPayload},
		{"truncated varint", frame(testNet, CmdInv, []byte{0xfd, 0x01}), BadPayload},
		{"truncated string", frame(testNet, CmdReject, truncatedReason), BadPayload},
		{"too many headers", frame(testNet, CmdHeaders, []byte{0xfd, 0xd1, 0x07}), BadPayload},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, _, err := codec.Decode(test.input)
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "expected malformed, got %v", err)
			assert.True(t, IsMessageErr(err, test.errType), "expected type %d, got %v", test.errType, err)
		})
	}
}

func TestDecodeOversizedHeaderOnly(t *testing.T) {
	// The length check fires on the header alone, before the payload arrives.
	codec := testCodec()
	hdr := frame(testNet, CmdBlock, nil)
	binary.LittleEndian.PutUint32(hdr[16:20], 0xffffffff)

	_, _, err := codec.Decode(hdr)
	assert.True(t, IsMessageErr(err, PayloadTooLarge))
}

func TestVersionWithoutRelayFlag(t *testing.T) {
	codec := testCodec()
	b, err := codec.Encode(&MsgVersion{ProtocolVersion: 70001, UserAgent: "/x/"})
	require.NoError(t, err)

	payload := b[MessageHeaderSize : len(b)-1]
	msg, _, err := codec.Decode(frame(testNet, CmdVersion, payload))
	require.NoError(t, err)
	assert.False(t, msg.(*MsgVersion).DisableRelayTx)
}

func TestUnknownCommand(t *testing.T) {
	codec := testCodec()
	msg, n, err := codec.Decode(frame(testNet, "wtxidrelay", []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, MessageHeaderSize+3, n)
	assert.Equal(t, &MsgUnknown{Cmd: "wtxidrelay", Payload: []byte{1, 2, 3}}, msg)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec(testNet, ProtocolVersion, 16)
	_, err := codec.Encode(&MsgUnknown{Cmd: "big", Payload: make([]byte, 17)})
	assert.True(t, IsMessageErr(err, PayloadTooLarge))
}

func TestInteropWithBtcd(t *testing.T) {
	codec := testCodec()

	// envelope -> btcd
	b, err := codec.Encode(&MsgPing{Nonce: 0x0102030405060708})
	require.NoError(t, err)
	msg, _, err := btcwire.ReadMessage(bytes.NewReader(b), ProtocolVersion, btcwire.MainNet)
	require.NoError(t, err)
	ping, ok := msg.(*btcwire.MsgPing)
	require.True(t, ok)
	assert.Equal(t, uint64(0x0102030405060708), ping.Nonce)

	// btcd -> envelope
	var buf bytes.Buffer
	loc := chaincfg.MainNetParams.GenesisHash
	gh := btcwire.NewMsgGetHeaders()
	gh.ProtocolVersion = ProtocolVersion
	require.NoError(t, gh.AddBlockLocatorHash(loc))
	require.NoError(t, btcwire.WriteMessage(&buf, gh, ProtocolVersion, btcwire.MainNet))

	decoded, n, err := codec.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)
	assert.Equal(t, gh, decoded)
}

func TestGenesisBlock(t *testing.T) {
	codec := testCodec()
	genesis := chaincfg.MainNetParams.GenesisBlock

	b, err := codec.Encode(genesis)
	require.NoError(t, err)
	msg, _, err := codec.Decode(b)
	require.NoError(t, err)

	block := msg.(*MsgBlock)
	assert.Equal(t, *chaincfg.MainNetParams.GenesisHash, block.BlockHash())
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, genesis.Transactions[0].TxHash(), block.Transactions[0].TxHash())
}

func TestWitnessTransaction(t *testing.T) {
	codec := testCodec()
	tx := testTx()
	tx.TxIn[0].Witness = btcwire.TxWitness{{0x30, 0x44}, {0x02, 0x21}}

	b, err := codec.Encode(tx)
	require.NoError(t, err)
	msg, _, err := codec.Decode(b)
	require.NoError(t, err)

	decoded := msg.(*MsgTx)
	assert.Equal(t, tx.TxHash(), decoded.TxHash())
	assert.Equal(t, tx.WitnessHash(), decoded.WitnessHash())
	assert.True(t, decoded.HasWitness())
}

func TestPayloadChecksum(t *testing.T) {
	codec := testCodec()
	block := &MsgBlock{Header: *testHeader(7), Transactions: []*MsgTx{testTx(), testTx(), testTx()}}
	block.Transactions[1].LockTime = 1
	block.Transactions[2].TxOut[0].Value = 21

	b, err := codec.Encode(block)
	require.NoError(t, err)

	// Every payload byte is covered: flipping any one of them is caught by
	// the checksum before the payload is parsed.
	for i := MessageHeaderSize; i < len(b); i++ {
		corrupted := append([]byte{}, b...)
		corrupted[i] ^= 0x01

		_, _, err := codec.Decode(corrupted)
		require.True(t, IsMessageErr(err, BadChecksum), "byte %d: got %v", i, err)

		_, err = codec.ReadMessage(bytes.NewReader(corrupted))
		require.True(t, IsMessageErr(err, BadChecksum), "byte %d: got %v", i, err)
	}
}
