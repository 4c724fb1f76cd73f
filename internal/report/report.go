// Package report formats sizes and counts for command-line output.
package report

import (
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats n with binary units, e.g. "4.0 KiB". Negative values keep
// their sign.
func Bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// Number formats n with thousands separators, e.g. "1,234,567".
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Size formats n both ways, e.g. "4.0 KiB (4,096 bytes)". Values below
// 1 KiB print as plain bytes.
func Size(n int64) string {
	if n > -1024 && n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%s (%s bytes)", Bytes(n), Number(n))
}

// Percent formats part/whole to one decimal place. A zero whole yields "-".
func Percent(part, whole int64) string {
	if whole == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(part)*100/float64(whole))
}
