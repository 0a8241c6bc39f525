package room

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBuildJoinToken(t *testing.T) {
	tok, err := BuildJoinToken("api-key", "api-secret", "call-42", "sip-+15550100", `{"phone":"+15550100"}`, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var claims joinClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			t.Fatalf("unexpected signing method %v", tk.Header["alg"])
		}
		return []byte("api-secret"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Valid {
		t.Fatal("token not valid")
	}

	if claims.Issuer != "api-key" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	if claims.Subject != "sip-+15550100" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if !claims.Video.RoomJoin || claims.Video.Room != "call-42" {
		t.Errorf("video grant = %+v", claims.Video)
	}
	if claims.Metadata == "" {
		t.Error("metadata dropped")
	}

	ttl := claims.ExpiresAt.Sub(claims.NotBefore.Time)
	if ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("ttl = %s, want about 1h", ttl)
	}
}

func TestBuildJoinTokenDefaultTTL(t *testing.T) {
	tok, err := BuildJoinToken("k", "s", "r", "i", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	var claims joinClaims
	if _, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s"), nil
	}); err != nil {
		t.Fatal(err)
	}
	ttl := claims.ExpiresAt.Sub(claims.NotBefore.Time)
	if ttl != defaultTokenTTL {
		t.Errorf("ttl = %s, want %s", ttl, defaultTokenTTL)
	}
}

func TestBuildJoinTokenWrongSecretRejected(t *testing.T) {
	tok, err := BuildJoinToken("k", "right-secret", "r", "i", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var claims joinClaims
	if _, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte("wrong-secret"), nil
	}); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}
