package session

import (
	"bytes"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/controlchannel"
	"github.com/6ccg/ovpncore/internal/datapath"
	"github.com/6ccg/ovpncore/internal/keys"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/wire"
)

// authBlob is what the client sent after the TLS handshake.
type authBlob struct {
	client   keys.KeySource
	options  string
	username string
	password string
	peerInfo string
}

// parseAuthBlob parses a client auth blob. It returns false until b holds
// a complete blob.
func parseAuthBlob(b []byte) (*authBlob, int, bool) {
	const fixed = 5 + keys.PreMasterLength + 2*keys.RandomLength
	if len(b) < fixed {
		return nil, 0, false
	}
	blob := &authBlob{}
	off := 5
	off += copy(blob.client.PreMaster[:], b[off:])
	off += copy(blob.client.R1[:], b[off:])
	off += copy(blob.client.R2[:], b[off:])
	var fields [4]string
	for i := range fields {
		s, n, err := bytesx.DecodeOptionStringPrefix(b[off:])
		if err != nil {
			return nil, 0, false
		}
		fields[i] = s
		off += n
	}
	blob.options, blob.username, blob.password, blob.peerInfo = fields[0], fields[1], fields[2], fields[3]
	return blob, off, true
}

// serverKey is the server view of a key id.
type serverKey struct {
	id        uint8
	softReset bool
	initiated bool
	phase     int
	stream    []byte
	blob      *authBlob
	random    keys.KeySource
	data      *datapath.DataPath
}

type seenPacket struct {
	opcode model.Opcode
	keyID  uint8
}

type receivedData struct {
	keyID   uint8
	payload []byte
}

// testServer plays the server side of the protocol against a [fakeLink],
// using the stub TLS handshake.
type testServer struct {
	t    *testing.T
	link *fakeLink

	// behaviour, set before the session starts
	pushReply       string
	authFailures    int
	silent          bool
	silentTLS       bool
	answerSoftReset bool

	mu           sync.Mutex
	control      *controlchannel.Channel
	clientSID    model.SessionID
	keys         map[uint8]*serverKey
	seen         []seenPacket
	blobs        []*authBlob
	pushRequests int
	softResets   []uint8
	dataIn       []receivedData
	pings        int
	exitSeen     bool

	stopped chan struct{}
}

func newTestServer(t *testing.T, link *fakeLink, pushReply string) *testServer {
	t.Helper()
	control := controlchannel.New(log.Log, wire.NewControlChannelSecurityNone(), rand.Reader)
	if err := control.Reset(true); err != nil {
		t.Fatal(err)
	}
	return &testServer{
		t:               t,
		link:            link,
		pushReply:       pushReply,
		answerSoftReset: true,
		control:         control,
		keys:            make(map[uint8]*serverKey),
		stopped:         make(chan struct{}),
	}
}

// run serves until the link closes. The test waits for it on cleanup.
func (s *testServer) run() {
	s.t.Cleanup(func() {
		s.link.Close()
		<-s.stopped
	})
	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-s.link.done:
				for _, raw := range s.link.drain() {
					s.handle(raw)
				}
				return
			case <-s.link.wakeup:
			}
			for _, raw := range s.link.drain() {
				s.handle(raw)
			}
		}
	}()
}

func (s *testServer) handle(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, keyID, err := model.NewOpcodeFromByte(raw[0])
	if err != nil {
		s.t.Errorf("server: %s", err)
		return
	}
	s.seen = append(s.seen, seenPacket{opcode: op, keyID: keyID})
	if s.silent {
		return
	}
	if op.IsData() {
		s.handleData(keyID, raw)
		return
	}
	p, err := s.control.ReadInboundPacket(raw)
	if err != nil {
		s.t.Errorf("server: %s", err)
		return
	}
	switch p.Opcode {
	case model.P_ACK_V1:
		return
	case model.P_CONTROL_HARD_RESET_CLIENT_V2:
		s.clientSID = p.LocalSessionID
		s.control.SetRemoteSessionID(p.LocalSessionID)
		if s.keys[0] == nil {
			s.keys[0] = &serverKey{id: 0}
		}
	case model.P_CONTROL_SOFT_RESET_V1:
		if s.keys[p.KeyID] == nil {
			s.softResets = append(s.softResets, p.KeyID)
			if err := s.control.Reset(false); err != nil {
				s.t.Error(err)
			}
			s.keys[p.KeyID] = &serverKey{id: p.KeyID, softReset: true}
		}
		if !s.answerSoftReset {
			s.ack(p)
			return
		}
	}
	s.ack(p)
	for _, ready := range s.control.EnqueueInboundPacket(p) {
		key := s.keys[ready.KeyID]
		if key == nil {
			continue
		}
		switch ready.Opcode {
		case model.P_CONTROL_HARD_RESET_CLIENT_V2:
			s.enqueue(model.P_CONTROL_HARD_RESET_SERVER_V2, key.id, nil)
		case model.P_CONTROL_SOFT_RESET_V1:
			if !key.initiated {
				s.enqueue(model.P_CONTROL_SOFT_RESET_V1, key.id, nil)
			}
		case model.P_CONTROL_V1:
			key.stream = append(key.stream, ready.Payload...)
			s.advance(key)
		}
	}
	s.flush()
}

func (s *testServer) ack(p *model.Packet) {
	raw, err := s.control.WriteAcks(p.KeyID, []model.PacketID{p.ID}, s.clientSID)
	if err != nil {
		s.t.Error(err)
		return
	}
	s.link.inject(raw)
}

func (s *testServer) enqueue(code model.Opcode, keyID uint8, payload []byte) {
	if err := s.control.EnqueueOutboundPackets(code, keyID, payload, 1000); err != nil {
		s.t.Error(err)
	}
}

func (s *testServer) flush() {
	packets, err := s.control.WriteOutboundPackets(time.Now())
	if err != nil {
		s.t.Error(err)
		return
	}
	if len(packets) > 0 {
		s.link.inject(packets...)
	}
}

// advance runs the stub handshake, the authentication and the control
// messages of key.
func (s *testServer) advance(key *serverKey) {
	for {
		switch key.phase {
		case 0:
			if !bytes.HasPrefix(key.stream, []byte(stubClientHello)) || s.silentTLS {
				return
			}
			key.stream = key.stream[len(stubClientHello):]
			s.enqueue(model.P_CONTROL_V1, key.id, []byte(stubServerHello))
			key.phase++
		case 1:
			if !bytes.HasPrefix(key.stream, []byte(stubClientFinished)) {
				return
			}
			key.stream = key.stream[len(stubClientFinished):]
			key.phase++
		case 2:
			blob, n, ok := parseAuthBlob(key.stream)
			if !ok {
				return
			}
			key.stream = key.stream[n:]
			key.blob = blob
			s.blobs = append(s.blobs, blob)
			s.sendAuthReply(key)
			if key.softReset {
				s.deriveDataPath(key)
			}
			key.phase++
		default:
			idx := bytes.IndexByte(key.stream, 0x00)
			if idx < 0 {
				return
			}
			msg := string(key.stream[:idx])
			key.stream = key.stream[idx+1:]
			s.handleMessage(key, msg)
		}
	}
}

func (s *testServer) sendAuthReply(key *serverKey) {
	if _, err := rand.Read(key.random.R1[:]); err != nil {
		s.t.Error(err)
		return
	}
	if _, err := rand.Read(key.random.R2[:]); err != nil {
		s.t.Error(err)
		return
	}
	var reply []byte
	reply = append(reply, 0x00, 0x00, 0x00, 0x00, 0x02)
	reply = append(reply, key.random.R1[:]...)
	reply = append(reply, key.random.R2[:]...)
	options, err := bytesx.EncodeOptionStringToBytes("")
	if err != nil {
		s.t.Error(err)
		return
	}
	reply = append(reply, options...)
	s.enqueue(model.P_CONTROL_V1, key.id, reply)
}

func (s *testServer) handleMessage(key *serverKey, msg string) {
	if msg != strings.TrimSuffix(pushRequest, "\x00") {
		s.t.Errorf("server: unexpected message %q", msg)
		return
	}
	s.pushRequests++
	if s.authFailures > 0 {
		s.authFailures--
		s.enqueue(model.P_CONTROL_V1, key.id, []byte("AUTH_FAILED\x00"))
		return
	}
	if s.pushReply == "" || key.data != nil {
		return
	}
	s.enqueue(model.P_CONTROL_V1, key.id, []byte(s.pushReply+"\x00"))
	s.deriveDataPath(key)
}

// deriveDataPath computes the client keys and mirrors them.
func (s *testServer) deriveDataPath(key *serverKey) {
	serverSID, err := s.control.SessionID()
	if err != nil {
		s.t.Error(err)
		return
	}
	km := keys.DeriveKeyMaterial(&key.blob.client, &key.random, s.clientSID[:], serverSID[:])
	mirrored := &keys.KeyMaterial{
		CipherEncrypt: km.CipherDecrypt,
		HMACSend:      km.HMACReceive,
		CipherDecrypt: km.CipherEncrypt,
		HMACReceive:   km.HMACSend,
	}
	dp, err := datapath.New(log.Log, key.id, mirrored, datapath.Options{
		Cipher:           "AES-256-GCM",
		ReplayProtection: true,
	}, rand.Reader)
	if err != nil {
		s.t.Error(err)
		return
	}
	key.data = dp
}

func (s *testServer) handleData(keyID uint8, raw []byte) {
	key := s.keys[keyID]
	if key == nil || key.data == nil {
		s.t.Errorf("server: data for key %d without keys", keyID)
		return
	}
	payload, err := key.data.Decrypt(raw)
	if err != nil {
		s.t.Errorf("server: %s", err)
		return
	}
	switch payload.Kind {
	case datapath.KindPing:
		s.pings++
	case datapath.KindExit:
		s.exitSeen = true
	default:
		s.dataIn = append(s.dataIn, receivedData{keyID: keyID, payload: payload.Data})
	}
}

// sendData encrypts packet with keyID and delivers it to the client.
func (s *testServer) sendData(keyID uint8, packet []byte) {
	s.mu.Lock()
	key := s.keys[keyID]
	if key == nil || key.data == nil {
		s.mu.Unlock()
		s.t.Fatalf("server: no data keys for %d", keyID)
	}
	raw, err := key.data.Encrypt(packet)
	s.mu.Unlock()
	if err != nil {
		s.t.Fatal(err)
	}
	s.link.inject(raw)
}

// sendMessage sends a control message over the TLS channel of keyID.
func (s *testServer) sendMessage(keyID uint8, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(model.P_CONTROL_V1, keyID, []byte(msg+"\x00"))
	s.flush()
}

func (s *testServer) hasDataKey(keyID uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keys[keyID]
	return key != nil && key.data != nil
}

func (s *testServer) receivedData(keyID uint8, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dataIn {
		if d.keyID == keyID && bytes.Equal(d.payload, payload) {
			return true
		}
	}
	return false
}

func (s *testServer) blob(i int) *authBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.blobs) {
		return nil
	}
	return s.blobs[i]
}

func (s *testServer) seenPackets() []seenPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]seenPacket{}, s.seen...)
}

func (s *testServer) softResetKeys() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8{}, s.softResets...)
}

func (s *testServer) counters() (pushRequests, pings int, exitSeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushRequests, s.pings, s.exitSeen
}
