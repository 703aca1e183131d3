package identifier

import "golang.org/x/text/unicode/norm"

// Thai romanization table (RTGS-based, simplified to a single-valued mapping).
// Every Thai codepoint maps to exactly one Latin string so that normalization
// stays deterministic. Tone marks and the vowel-killer (thanthakhat) map to
// the empty string.
var thaiRomanization = map[rune]string{
	// Consonants
	'ก': "k", 'ข': "kh", 'ฃ': "kh", 'ค': "kh", 'ฅ': "kh", 'ฆ': "kh",
	'ง': "ng", 'จ': "ch", 'ฉ': "ch", 'ช': "ch", 'ซ': "s", 'ฌ': "ch",
	'ญ': "y", 'ฎ': "d", 'ฏ': "t", 'ฐ': "th", 'ฑ': "th", 'ฒ': "th",
	'ณ': "n", 'ด': "d", 'ต': "t", 'ถ': "th", 'ท': "th", 'ธ': "th",
	'น': "n", 'บ': "b", 'ป': "p", 'ผ': "ph", 'ฝ': "f", 'พ': "ph",
	'ฟ': "f", 'ภ': "ph", 'ม': "m", 'ย': "y", 'ร': "r", 'ฤ': "rue",
	'ล': "l", 'ฦ': "lue", 'ว': "w", 'ศ': "s", 'ษ': "s", 'ส': "s",
	'ห': "h", 'ฬ': "l", 'อ': "o", 'ฮ': "h",

	// Vowels and vowel components
	'ะ': "a", 'ั': "a", 'า': "a", 'ำ': "am", 'ิ': "i", 'ี': "i",
	'ึ': "ue", 'ื': "ue", 'ุ': "u", 'ู': "u", 'เ': "e", 'แ': "ae",
	'โ': "o", 'ใ': "ai", 'ไ': "ai", 'ๅ': "", 'ๆ': "", '็': "",

	// Tone marks and diacritics carry no sound of their own
	'่': "", '้': "", '๊': "", '๋': "", '์': "", 'ํ': "", '๎': "",

	// Thai digits
	'๐': "0", '๑': "1", '๒': "2", '๓': "3", '๔': "4",
	'๕': "5", '๖': "6", '๗': "7", '๘': "8", '๙': "9",

	// Currency and punctuation used in labels
	'฿': "baht", '๏': "", '๚': "", '๛': "",
}

// romanize replaces every non-ASCII rune using the transliteration table.
// Runes outside the table (and outside printable ASCII) are dropped; the
// slug pass afterwards collapses whatever separators remain. Input is
// NFC-composed first so decomposed sequences (e.g. sara am as nikhahit +
// sara aa) hit the table the same way their composed forms do.
func romanize(s string) string {
	s = norm.NFC.String(s)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 128 {
			out = append(out, r)
			continue
		}
		if latin, ok := thaiRomanization[r]; ok {
			out = append(out, []rune(latin)...)
		}
	}
	return string(out)
}
