package access

import "math/rand/v2"

// Palette is the set of presence colors handed out to users.
var Palette = []string{
	"#EF4444", "#F59E0B", "#10B981", "#3B82F6",
	"#8B5CF6", "#EC4899", "#14B8A6", "#F97316",
	"#6366F1", "#06B6D4", "#84CC16", "#E11D48",
}

// ColorFor returns a stable palette color for name.
func ColorFor(name string) string {
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return Palette[sum%len(Palette)]
}

func randomColor() string {
	return Palette[rand.IntN(len(Palette))]
}
