package relaytcp

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Wire sizes for §4.2. The handshake uses the same box construction as the
// post-handshake record stream (§11.1 of SPEC_FULL): a curve25519-derived
// shared key fed into a NaCl secret-key box, so macSize/nonceSize/keySize
// are shared constants rather than Noise-framework parameters.
const (
	PublicKeySize = 32
	SecretKeySize = 32
	NonceSize     = 24
	macSize       = secretbox.Overhead // 16

	innerHandshakeSize = PublicKeySize + NonceSize // temp_pub || base_nonce

	// ClientHandshakeSize is the size of the client->server handshake
	// packet: self_public_key || nonce_A || ENC(temp_pub || base_nonce).
	ClientHandshakeSize = PublicKeySize + NonceSize + innerHandshakeSize + macSize // 128

	// TCPServerHandshakeSize is the size of the server->client reply:
	// nonce_B || ENC(server_temp_pub || server_base_nonce).
	TCPServerHandshakeSize = NonceSize + innerHandshakeSize + macSize // 96
)

// PublicKey and SecretKey are curve25519 points/scalars, named for clarity
// at call sites instead of passing around bare [32]byte.
type PublicKey [PublicKeySize]byte
type SecretKey [SecretKeySize]byte
type sessionNonce [NonceSize]byte
type sharedKey [32]byte

// generateKeyPair produces a fresh curve25519 scalar and its basepoint
// multiple, the way other_examples' X25519 handshakers mint ephemeral keys.
func generateKeyPair() (SecretKey, PublicKey, error) {
	var sk SecretKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, PublicKey{}, fmt.Errorf("%w: generate key: %v", ErrSocketFatal, err)
	}
	pubBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, PublicKey{}, fmt.Errorf("%w: derive public key: %v", ErrSocketFatal, err)
	}
	var pk PublicKey
	copy(pk[:], pubBytes)
	return sk, pk, nil
}

func randomNonce() (sessionNonce, error) {
	var n sessionNonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("%w: generate nonce: %v", ErrSocketFatal, err)
	}
	return n, nil
}

// precompute derives the NaCl shared key for (secret, public), usable
// directly with secretbox — NaCl's box-after-precomputation and secretbox
// are the same primitive given the same 32-byte key.
func precompute(secret SecretKey, public PublicKey) sharedKey {
	var shared sharedKey
	pk := [32]byte(public)
	sk := [32]byte(secret)
	box.Precompute((*[32]byte)(&shared), &pk, &sk)
	return shared
}

// handshakeState carries everything the engine needs across the
// CONNECTING/UNCONFIRMED transition, mirroring the fields TCP_Client_Connection
// sets in generate_handshake and clears in handle_handshake.
type handshakeState struct {
	longTermShared sharedKey // K_long: precompute(selfSecret, remotePublic)
	tempSecret     SecretKey // temp_secret_key, zeroed once the session key is derived
	tempPublic     PublicKey
	baseNonce      sessionNonce // seeds send_nonce
}

// buildClientHandshake constructs the 128-byte packet of §4.2 and returns it
// alongside the state needed to process the server's reply.
func buildClientHandshake(selfPublic PublicKey, selfSecret SecretKey, remotePublic PublicKey) ([]byte, *handshakeState, error) {
	tempSecret, tempPublic, err := generateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	baseNonce, err := randomNonce()
	if err != nil {
		return nil, nil, err
	}
	nonceA, err := randomNonce()
	if err != nil {
		return nil, nil, err
	}

	longTermShared := precompute(selfSecret, remotePublic)

	plain := make([]byte, 0, innerHandshakeSize)
	plain = append(plain, tempPublic[:]...)
	plain = append(plain, baseNonce[:]...)

	nonceArr := [NonceSize]byte(nonceA)
	sharedArr := [32]byte(longTermShared)
	sealed := secretbox.Seal(nil, plain, &nonceArr, &sharedArr)

	packet := make([]byte, 0, ClientHandshakeSize)
	packet = append(packet, selfPublic[:]...)
	packet = append(packet, nonceA[:]...)
	packet = append(packet, sealed...)

	if len(packet) != ClientHandshakeSize {
		return nil, nil, fmt.Errorf("%w: built handshake has wrong size %d", ErrHandshakeReject, len(packet))
	}

	st := &handshakeState{
		longTermShared: longTermShared,
		tempSecret:     tempSecret,
		tempPublic:     tempPublic,
		baseNonce:      baseNonce,
	}
	return packet, st, nil
}

// handshakeResult is what a successfully processed server reply yields:
// the session key and the nonce the server wants us to start decrypting
// its records from.
type handshakeResult struct {
	sessionKey sharedKey
	recvNonce  sessionNonce
}

// processServerHandshake implements handle_handshake: decrypt the
// TCPServerHandshakeSize reply under K_long, recover the server's
// ephemeral public key and base nonce, and derive the session key from
// (temp_secret_key, server_temp_pub). Returns ErrHandshakeReject on any
// malformed or undecryptable reply — fatal, per §4.2.
func processServerHandshake(st *handshakeState, reply []byte) (*handshakeResult, error) {
	if len(reply) != TCPServerHandshakeSize {
		return nil, fmt.Errorf("%w: reply has wrong size %d", ErrHandshakeReject, len(reply))
	}

	var nonceB [NonceSize]byte
	copy(nonceB[:], reply[:NonceSize])
	ciphertext := reply[NonceSize:]

	sharedArr := [32]byte(st.longTermShared)
	plain, ok := secretbox.Open(nil, ciphertext, &nonceB, &sharedArr)
	if !ok || len(plain) != innerHandshakeSize {
		return nil, fmt.Errorf("%w: decrypt failed", ErrHandshakeReject)
	}

	var serverTempPublic PublicKey
	copy(serverTempPublic[:], plain[:PublicKeySize])
	var recvNonce sessionNonce
	copy(recvNonce[:], plain[PublicKeySize:])

	sessionKey := precompute(st.tempSecret, serverTempPublic)
	zeroSecretKey(&st.tempSecret)

	return &handshakeResult{sessionKey: sessionKey, recvNonce: recvNonce}, nil
}

func zeroSecretKey(sk *SecretKey) {
	for i := range sk {
		sk[i] = 0
	}
}

func zeroSharedKey(k *sharedKey) {
	for i := range k {
		k[i] = 0
	}
}
