package crypto

import (
	"crypto/sha256"
	"io"
	"time"

	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DailyKeyIterations is the PBKDF2 work factor of the daily key.
const DailyKeyIterations = 4096

// DailyKey derives the key scoped to the UTC date of day from a pre-shared
// secret. Both peers get the same key for the whole UTC day.
func DailyKey(psk []byte, day time.Time) []byte {
	salt := []byte("go-porthop/daily/" + day.UTC().Format("2006-01-02"))
	return pbkdf2.Key(psk, salt, DailyKeyIterations, KeySize, sha256.New)
}

// RendezvousParams derives the hop parameters listeners use before any
// session exists. Connect requests are sent to the rendezvous port of the
// current window.
func RendezvousParams(dailyKey []byte) (hopping.Params, error) {
	r := hkdf.New(sha256.New, dailyKey, hkdfSalt, []byte("rendezvous"))
	out := make([]byte, hopping.ParamsSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return hopping.Params{}, oops.Wrapf(err, "hkdf expand failed")
	}
	params, err := hopping.ParamsFromMaterial(out)
	if err != nil {
		return hopping.Params{}, err
	}
	// Rendezvous windows line up with the unshifted UTC grid.
	params.TimeVariance = 0
	return params, nil
}
