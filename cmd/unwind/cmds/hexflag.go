package cmds

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// hexAddr is an address flag, it accepts hexadecimal with or without the
// 0x prefix.
type hexAddr uint64

var _ pflag.Value = (*hexAddr)(nil)

func (a *hexAddr) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

func (a *hexAddr) Set(s string) error {
	orig := s
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", orig)
	}
	*a = hexAddr(v)
	return nil
}

func (a *hexAddr) Type() string {
	return "address"
}
