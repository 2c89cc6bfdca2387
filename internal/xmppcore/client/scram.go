package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/xmpbee/xmpbee/internal/xmppcore/xmpperr"
)

// scramClient drives one RFC 5802 SCRAM-SHA-1 exchange. Its fields exist
// only for the lifetime of a single authentication attempt and are zeroed
// by wipe once the exchange concludes either way.
type scramClient struct {
	username   string
	password   []byte
	clientNonce string

	gs2Header       string
	clientFirstBare string

	serverSignature []byte
}

// newScramClient starts a SCRAM-SHA-1 exchange for username/password. No
// authzid support: the gs2 header is always "n,,".
func newScramClient(username string, password []byte) (*scramClient, error) {
	nonce, err := generateNonce(24)
	if err != nil {
		return nil, xmpperr.Wrap(xmpperr.ConnectionFailed, "failed to generate SCRAM nonce", err)
	}
	return &scramClient{
		username:    username,
		password:    password,
		clientNonce: nonce,
	}, nil
}

func generateNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// escapeUsername applies the SCRAM "=2C"/"=3D" escaping from RFC 5802 §5.1.
func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	u = strings.ReplaceAll(u, ",", "=2C")
	return u
}

// FirstMessage builds the "client-first-message" sent as the initial <auth/>
// payload (base64-encoded by the caller).
func (c *scramClient) FirstMessage() string {
	c.gs2Header = "n,,"
	bare := fmt.Sprintf("n=%s,r=%s", escapeUsername(c.username), c.clientNonce)
	c.clientFirstBare = bare
	return c.gs2Header + bare
}

// parsedChallenge holds the server-first-message fields.
type parsedChallenge struct {
	nonce      string
	saltB64    string
	iterations int
}

func parseChallenge(msg string) (parsedChallenge, error) {
	var out parsedChallenge
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		key, val := field[0], field[2:]
		switch key {
		case 'r':
			out.nonce = val
		case 's':
			out.saltB64 = val
		case 'i':
			n, err := strconv.Atoi(val)
			if err != nil {
				return parsedChallenge{}, xmpperr.Wrap(xmpperr.ScramInvalidServerResponse, "non-numeric iteration count", err)
			}
			out.iterations = n
		}
	}
	if out.nonce == "" || out.saltB64 == "" || out.iterations <= 0 {
		return parsedChallenge{}, xmpperr.New(xmpperr.ScramInvalidServerResponse, "missing r/s/i in server-first-message")
	}
	return out, nil
}

// FinalMessage consumes the base64-decoded server-first-message and returns
// the client-final-message (base64-encoded by the caller into <response/>), or an
// error if the server's nonce doesn't extend ours (a forged or truncated
// challenge).
func (c *scramClient) FinalMessage(serverFirst string) (string, error) {
	ch, err := parseChallenge(serverFirst)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(ch.nonce, c.clientNonce) {
		return "", xmpperr.New(xmpperr.ScramInvalidServerResponse, "server nonce does not extend client nonce")
	}

	salt, err := base64.StdEncoding.DecodeString(ch.saltB64)
	if err != nil {
		return "", xmpperr.Wrap(xmpperr.ScramInvalidServerResponse, "salt is not valid base64", err)
	}

	saltedPassword := pbkdf2.Key(c.password, salt, ch.iterations, sha1.Size, sha1.New)

	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha1Sum(clientKey)
	serverKey := hmacSum(saltedPassword, []byte("Server Key"))

	channelBinding := base64.StdEncoding.EncodeToString([]byte(c.gs2Header))
	clientFinalBare := fmt.Sprintf("c=%s,r=%s", channelBinding, ch.nonce)

	authMessage := c.clientFirstBare + "," + serverFirst + "," + clientFinalBare
	clientSignature := hmacSum(storedKey, []byte(authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	c.serverSignature = hmacSum(serverKey, []byte(authMessage))

	wipe(saltedPassword)
	wipe(clientKey)
	wipe(storedKey)
	wipe(clientSignature)

	final := clientFinalBare + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return final, nil
}

// VerifyServerSignature checks the "v=" field of the server's <success/>
// payload against the signature computed in FinalMessage, in constant time.
// It must be called exactly once, after FinalMessage.
func (c *scramClient) VerifyServerSignature(successMsg string) error {
	var gotB64 string
	for _, field := range strings.Split(successMsg, ",") {
		if len(field) >= 2 && field[0] == 'v' && field[1] == '=' {
			gotB64 = field[2:]
		}
	}
	if gotB64 == "" {
		return xmpperr.New(xmpperr.ScramInvalidServerResponse, "missing v= in success message")
	}
	got, err := base64.StdEncoding.DecodeString(gotB64)
	if err != nil {
		return xmpperr.Wrap(xmpperr.ScramInvalidServerResponse, "server signature is not valid base64", err)
	}
	if subtle.ConstantTimeCompare(got, c.serverSignature) != 1 {
		return xmpperr.New(xmpperr.ScramServerSigMismatch, "server signature mismatch")
	}
	return nil
}

// wipe destroys a sensitive slice now that we know its lifetime is over.
func (c *scramClient) wipe() {
	wipe(c.password)
	c.clientNonce = ""
	c.clientFirstBare = ""
	wipe(c.serverSignature)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func hmacSum(key, msg []byte) []byte {
	m := hmac.New(sha1.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

func sha1Sum(b []byte) []byte {
	h := sha1.New()
	h.Write(b)
	return h.Sum(nil)
}
