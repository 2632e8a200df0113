package channel

import "strings"

// VRM expression presets by category.
var vrmNames = map[Category][]string{
	Emotional: {
		"happy", "angry", "sad", "relaxed", "surprised", "neutral",
		"joy", "fun", "sorrow", "thinking", "concerned", "confident",
		"attentive", "excited", "confused",
	},
	Mouth: {"aa", "ih", "ou", "ee", "oh", "a", "i", "u", "e", "o"},
	Eye: {
		"blink", "blinkLeft", "blinkRight", "blink_l", "blink_r",
	},
	Gaze: {"lookUp", "lookDown", "lookLeft", "lookRight"},
}

// ARKit blendshape names by category.
var arkitNames = map[Category][]string{
	Emotional: {
		"browDownLeft",
		"browDownRight",
		"browInnerUp",
		"browOuterUpLeft",
		"browOuterUpRight",
		"cheekPuff",
		"cheekSquintLeft",
		"cheekSquintRight",
		"noseSneerLeft",
		"noseSneerRight",
	},
	Eye: {
		"eyeBlinkLeft",
		"eyeBlinkRight",
		"eyeSquintLeft",
		"eyeSquintRight",
		"eyeWideLeft",
		"eyeWideRight",
	},
	Gaze: {
		"eyeLookDownLeft",
		"eyeLookDownRight",
		"eyeLookInLeft",
		"eyeLookInRight",
		"eyeLookOutLeft",
		"eyeLookOutRight",
		"eyeLookUpLeft",
		"eyeLookUpRight",
	},
	Mouth: {
		"jawForward",
		"jawLeft",
		"jawOpen",
		"jawRight",
		"mouthClose",
		"mouthDimpleLeft",
		"mouthDimpleRight",
		"mouthFrownLeft",
		"mouthFrownRight",
		"mouthFunnel",
		"mouthLeft",
		"mouthLowerDownLeft",
		"mouthLowerDownRight",
		"mouthPressLeft",
		"mouthPressRight",
		"mouthPucker",
		"mouthRight",
		"mouthRollLower",
		"mouthRollUpper",
		"mouthShrugLower",
		"mouthShrugUpper",
		"mouthSmileLeft",
		"mouthSmileRight",
		"mouthStretchLeft",
		"mouthStretchRight",
		"mouthUpperUpLeft",
		"mouthUpperUpRight",
		"tongueOut",
	},
}

// builtin is keyed by lowercased name.
var builtin = buildTable(vrmNames, arkitNames)

func buildTable(tables ...map[Category][]string) map[string]Category {
	out := make(map[string]Category)
	for _, t := range tables {
		for cat, names := range t {
			for _, n := range names {
				out[strings.ToLower(n)] = cat
			}
		}
	}
	return out
}

// BuiltinNames returns the built-in channel names of a category.
func BuiltinNames(c Category) []string {
	var out []string
	out = append(out, vrmNames[c]...)
	out = append(out, arkitNames[c]...)
	return out
}
