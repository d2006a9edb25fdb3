package polyfill

import (
	"bytes"
	"encoding/base64"
	"image"
)

// nativeProbeB64 is the canonical 1x1 JXL detection sample, the same literal
// fixed-byte image browser-side support checks load.
const nativeProbeB64 = "/woIELASCAgQAFwASxLFgkWAHL0xqnCBCV0qDp901Te/5QM="

var nativeProbeSample = func() []byte {
	b, err := base64.StdEncoding.DecodeString(nativeProbeB64)
	if err != nil {
		panic("polyfill: bad native probe sample: " + err.Error())
	}
	return b
}()

// checkNativeSupport reports whether the process already decodes the target
// format through the standard image registry, i.e. the embedding program has
// linked a native JXL decoder. True only if the sample decodes and reports
// the known width of 1. A false negative just means the polyfill proceeds,
// which is the safe direction.
func checkNativeSupport() bool {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(nativeProbeSample))
	return err == nil && cfg.Width == 1
}
