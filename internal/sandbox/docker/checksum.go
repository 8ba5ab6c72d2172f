package docker

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
)

// The trailer is what `md5sum` prints when reading stdin.
var checksumTrailer = regexp.MustCompile(`(?m)^([a-f0-9]{32})  -\n\z`)

// verifyChecksum checks that output ends with the md5 of everything before the trailer and
// returns the output with the trailer removed.
func verifyChecksum(output string) (string, bool) {
	loc := checksumTrailer.FindStringSubmatchIndex(output)
	if loc == nil {
		return output, false
	}
	body := output[:loc[0]]
	want := output[loc[2]:loc[3]]
	sum := md5.Sum([]byte(body))
	return body, hex.EncodeToString(sum[:]) == want
}
