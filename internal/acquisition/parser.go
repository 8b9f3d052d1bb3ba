package acquisition

import (
	"bytes"
	"strconv"
	"strings"
)

// sampleParser turns the device text stream into integers. A token cut
// by a packet boundary is held until its separator arrives; tokens that
// are not integers are dropped without error.
type sampleParser struct {
	values  []int
	pending []byte
	dropped int
}

func (p *sampleParser) feed(chunk []byte) {
	data := chunk
	if len(p.pending) > 0 {
		data = append(p.pending, chunk...)
		p.pending = nil
	}
	cut := bytes.LastIndexAny(data, ",\r\n")
	if cut < 0 {
		p.pending = append([]byte(nil), data...)
		return
	}
	if cut+1 < len(data) {
		p.pending = append([]byte(nil), data[cut+1:]...)
	}
	p.parse(string(data[:cut+1]))
}

func (p *sampleParser) parse(text string) {
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		for _, token := range strings.Split(line, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			value, err := strconv.Atoi(token)
			if err != nil {
				p.dropped++
				continue
			}
			p.values = append(p.values, value)
		}
	}
}
