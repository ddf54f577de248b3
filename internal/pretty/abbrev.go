package pretty

import "fmt"

// Abbrev returns a lazily-formatted view of s, truncated for log output.
// With no ranges the cutoff is 120 characters; one value sets both the
// threshold and the cut point, two values set them separately.
func Abbrev(s string, ranges ...int) Abbreviated {
	MaxLen := 120
	CutTo := 120
	if len(ranges) >= 2 {
		MaxLen, CutTo = ranges[0], ranges[1]
	} else if len(ranges) == 1 {
		MaxLen, CutTo = ranges[0], ranges[0]
	}
	return Abbreviated{
		Original: s,
		MaxLen:   MaxLen,
		CutTo:    CutTo,
	}
}

type Abbreviated struct {
	Original string
	MaxLen   int
	CutTo    int
}

func (s Abbreviated) String() string {
	if len(s.Original) > s.MaxLen {
		return fmt.Sprintf("%s…(%d bytes)", s.Original[:s.CutTo], len(s.Original))
	}
	return s.Original
}
