package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// sessionProtocolVersion is the version segment of the initiate path.
const sessionProtocolVersion = 1

// Credentials identify the local account on the switch.
type Credentials struct {
	Identity string
	Password string
}

// PushKind names a push registration service.
type PushKind string

const (
	PushGCM  PushKind = "gcm"
	PushC2DM PushKind = "c2dm"
)

func (k PushKind) valid() bool {
	return k == PushGCM || k == PushC2DM
}

type registrationBody struct {
	RegistrationID string `json:"registrationId"`
}

type preferenceBody struct {
	Preference string `json:"preference"`
}

func newSignal(verb, path string, creds Credentials, counter int64, body []byte) *Signal {
	return &Signal{
		Verb:     verb,
		Path:     path,
		Identity: creds.Identity,
		Password: creds.Password,
		Counter:  counter,
		Body:     body,
	}
}

func initiateSignal(creds Credentials, counter int64, remote string) *Signal {
	path := fmt.Sprintf("/session/%d/%s", sessionProtocolVersion, remote)
	return newSignal("GET", path, creds, counter, nil)
}

func ringingSignal(creds Credentials, counter int64, sessionID int64) *Signal {
	return newSignal("RING", sessionPath(sessionID), creds, counter, nil)
}

func busySignal(creds Credentials, counter int64, sessionID int64) *Signal {
	return newSignal("BUSY", sessionPath(sessionID), creds, counter, nil)
}

func hangupSignal(creds Credentials, counter int64, sessionID int64) *Signal {
	return newSignal("DELETE", sessionPath(sessionID), creds, counter, nil)
}

func pushRegistrationSignal(creds Credentials, counter int64, kind PushKind, token string) *Signal {
	body, _ := json.Marshal(registrationBody{RegistrationID: token})
	return newSignal("PUT", "/"+string(kind)+"/", creds, counter, body)
}

func pushUnregistrationSignal(creds Credentials, counter int64, kind PushKind, token string) *Signal {
	var body []byte
	if token != "" {
		body, _ = json.Marshal(registrationBody{RegistrationID: token})
	}
	return newSignal("DELETE", "/"+string(kind)+"/", creds, counter, body)
}

func directorySignal(creds Credentials, counter int64) *Signal {
	return newSignal("GET", "/users/directory", creds, counter, nil)
}

func preferenceSignal(creds Credentials, counter int64, preference string) *Signal {
	body, _ := json.Marshal(preferenceBody{Preference: preference})
	return newSignal("PUT", "/signaling/preference", creds, counter, body)
}

func sessionPath(sessionID int64) string {
	return "/session/" + strconv.FormatInt(sessionID, 10)
}

// SessionIDFromTarget extracts the id from a /session/{id} target.
func SessionIDFromTarget(target string) (int64, bool) {
	rest, ok := strings.CutPrefix(target, "/session/")
	if !ok {
		return 0, false
	}
	if idx := strings.IndexByte(rest, '/'); idx != -1 {
		rest = rest[:idx]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// otpCredential is base64(HMAC-SHA1(password, decimal counter)).
func otpCredential(password string, counter int64) string {
	mac := hmac.New(sha1.New, []byte(password))
	mac.Write([]byte(strconv.FormatInt(counter, 10)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func authorizationValue(identity, password string, counter int64) string {
	token := fmt.Sprintf("%s:%s:%d", identity, otpCredential(password, counter), counter)
	return "OTP " + base64.StdEncoding.EncodeToString([]byte(token))
}

// ParseAuthorization splits an OTP Authorization header value into its parts.
func ParseAuthorization(value string) (identity, credential string, counter int64, err error) {
	encoded, ok := strings.CutPrefix(value, "OTP ")
	if !ok {
		return "", "", 0, fmt.Errorf("%w: authorization scheme", ErrMalformedFrame)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: authorization encoding: %v", ErrMalformedFrame, err)
	}

	// The identity may itself contain ':' so split from the right.
	s := string(raw)
	last := strings.LastIndexByte(s, ':')
	if last == -1 {
		return "", "", 0, fmt.Errorf("%w: authorization token", ErrMalformedFrame)
	}
	counter, err = strconv.ParseInt(s[last+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: authorization counter", ErrMalformedFrame)
	}
	s = s[:last]
	mid := strings.LastIndexByte(s, ':')
	if mid == -1 {
		return "", "", 0, fmt.Errorf("%w: authorization token", ErrMalformedFrame)
	}
	return s[:mid], s[mid+1:], counter, nil
}

// VerifyCredential checks a credential produced for counter with password.
func VerifyCredential(password, credential string, counter int64) bool {
	expected := otpCredential(password, counter)
	return hmac.Equal([]byte(expected), []byte(credential))
}
