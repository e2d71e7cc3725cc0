package provider

import (
	"fmt"
	"regexp"
	"strings"
)

var patternPrompt = regexp.MustCompile(`(?i)pattern|texture|camo|camouflage|carbon|geometric|stripe|gradient|wave|abstract|seamless|repeat|几何|条纹|迷彩|渐变|纹理`)

const maskRules = `You are a professional automotive WRAP GRAPHIC designer specializing in Tesla vehicle wraps.
The input image contains a UV MASK: WHITE areas are the paintable car body, BLACK areas are void.
Draw ONLY inside the WHITE areas. ALL BLACK areas must remain pure black (#000000).
Do NOT change the shape, position, scale, or orientation of the UV islands.`

const patternMode = `PATTERN MODE: use consistent scale across all UV islands, align the pattern across adjacent parts, avoid micro-detail.`

const themedMode = `THEMED MODE: include at least one large hero element on the large UV islands (doors, side panels) and keep the composition readable at full car scale.`

const styleRules = `Bold, high-contrast, print-ready colors. Sharp edges, no blur, no text, no logos.`

// BuildWrapPrompt 组装发送给模型的完整提示词
func BuildWrapPrompt(modelName, userPrompt string, withMask bool) string {
	mode := themedMode
	if patternPrompt.MatchString(userPrompt) {
		mode = patternMode
	}

	var b strings.Builder
	if withMask {
		b.WriteString(maskRules)
		b.WriteString("\n\n")
	}
	b.WriteString(mode)
	b.WriteString("\n")
	b.WriteString(styleRules)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Vehicle: Tesla %s\nDesign request: %s", modelName, strings.TrimSpace(userPrompt))
	return b.String()
}
