package storyboard

import (
	"fmt"
	"strings"

	"storyboard-pipeline/types"
)

// Per-mode style and composition instructions embedded into every image
// prompt of a run.
var modeStyles = map[types.GenerationMode]string{
	types.ModeCharacterCloseup: "cinematic character close-up, shallow depth of field, expressive face filling most of the frame, photorealistic skin detail",
	types.ModeCharacterInScene: "cinematic medium or wide shot placing the character inside a detailed environment, balanced composition, natural lighting",
	types.ModeObjectCloseup:    "dramatic product-style close-up of the key object, sharp macro detail, softly blurred background",
	types.ModeStorytelling:     "wide narrative scene, layered foreground and background, strong sense of place, film still quality",
	types.ModeStylized:         "stylized animation look, bold shapes, saturated palette, consistent art direction across all shots",
	types.ModeFreestyle:        "striking cinematic composition, director's choice of framing",
}

var modeComposition = map[types.GenerationMode]string{
	types.ModeCharacterCloseup: "Keep the subject centered; crop no higher than the shoulders.",
	types.ModeCharacterInScene: "Respect the rule of thirds; the character must stay clearly identifiable.",
	types.ModeObjectCloseup:    "The object occupies at least half of the frame.",
	types.ModeStorytelling:     "Stage the action so the eye travels through the scene.",
	types.ModeStylized:         "Hold a consistent line weight and palette from shot to shot.",
	types.ModeFreestyle:        "",
}

// negativeConstraints are appended to every image prompt.
const negativeConstraints = "No text, no watermarks, no captions, no split frames, no collage, no borders."

// modeWantsFullBodyFinale reports whether the mode asks the last shot to show
// the character full-body.
func modeWantsFullBodyFinale(mode types.GenerationMode) bool {
	return mode == types.ModeCharacterCloseup || mode == types.ModeCharacterInScene
}

// draftingPrompt builds the Phase 1 request: one call producing the ordered
// list of per-shot image prompts.
func draftingPrompt(outline string, shotCount int, mode types.GenerationMode, opts types.PerImageOptions, refs []*types.ReferenceImage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a storyboard artist. Break the following story outline into exactly %d shots.\n", shotCount)
	b.WriteString("For each shot write one detailed image generation prompt describing a single still frame.\n")
	fmt.Fprintf(&b, "Visual style for every shot: %s.\n", modeStyles[mode])

	if opts.IndependentScenes {
		b.WriteString("Each shot is an independent scene; do not assume shots share a location or moment.\n")
	} else {
		b.WriteString("Shots form one continuous sequence; keep locations, lighting and wardrobe coherent between adjacent shots.\n")
	}
	if opts.FacePriority {
		b.WriteString("Faces have priority: whenever a character appears, their face must be clearly visible and match the reference.\n")
	}
	if modeWantsFullBodyFinale(mode) {
		b.WriteString("The final shot must show the main character full-body.\n")
	}
	if len(refs) > 0 {
		b.WriteString("Declared subjects: ")
		for i, ref := range refs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ref.Tag)
		}
		b.WriteString(". Refer to them by these names in the prompts.\n")
	}

	fmt.Fprintf(&b, "\nStory outline:\n%s\n", outline)
	fmt.Fprintf(&b, "\nReply as JSON: {\"prompts\": [...]} with exactly %d strings in shot order.", shotCount)
	return b.String()
}

// finalImagePrompt builds the Phase 2 prompt sent to the image backend for
// one shot, embedding ratio, style, composition, negative constraints and the
// reference-to-tag identity mapping.
func finalImagePrompt(base, aspectRatio string, mode types.GenerationMode, refs []*types.ReferenceImage) string {
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nStyle: %s.", modeStyles[mode])
	if comp := modeComposition[mode]; comp != "" {
		fmt.Fprintf(&b, " %s", comp)
	}
	fmt.Fprintf(&b, "\nAspect ratio %s. %s", aspectRatio, negativeConstraints)
	if len(refs) > 1 {
		b.WriteString("\nReference images, in order:")
		for i, ref := range refs {
			fmt.Fprintf(&b, " image %d is %q;", i+1, ref.Tag)
		}
		b.WriteString(" preserve each tagged subject's identity exactly as shown in their reference.")
	} else if len(refs) == 1 {
		fmt.Fprintf(&b, "\nThe reference image shows %q; preserve their identity exactly.", refs[0].Tag)
	}
	return b.String()
}

// transitionPrompt asks for a literal, describable motion path connecting two
// consecutive shot images.
func transitionPrompt(outline string) string {
	return "The two attached images are consecutive storyboard frames. Describe, as a single video " +
		"generation prompt, the literal camera and subject motion that transforms the first frame " +
		"into the second. Describe only motion that is physically visible: movement paths, camera " +
		"travel, lighting shifts. Do not summarize plot, do not use phrases like \"image 1\" or " +
		"\"image 2\", and do not invent narrative shortcuts.\n\nStory context for tone only:\n" + outline
}

// terminalPrompt asks for a self-contained ending beat for the last shot.
func terminalPrompt(outline string) string {
	return "The attached image is the final storyboard frame. Describe, as a single video generation " +
		"prompt, a self-contained climactic ending beat that plays out inside this frame: the " +
		"closing motion, atmosphere and camera move that ends the sequence. No transitions to any " +
		"other shot.\n\nStory context for tone only:\n" + outline
}

// optimizePrompt expands a (possibly hand-edited) video prompt using it as a
// creative seed instead of starting over.
func optimizePrompt(current, outline string) string {
	return "Expand and refine the following video generation prompt. Treat it as the creative intent; " +
		"keep every motion it describes and add concrete, filmable detail (camera move, pacing, " +
		"atmosphere). Reply with the improved prompt only.\n\nCurrent prompt:\n" + current +
		"\n\nStory context:\n" + outline
}

// reviewPrompt is the script-supervisor pass: cross-check names and behavior
// against the declared subjects and the outline, preserving motion.
func reviewPrompt(current, outline string, refs []*types.ReferenceImage) string {
	var b strings.Builder
	b.WriteString("You are a script supervisor. Check the video prompt below for consistency with the " +
		"declared characters and the story outline: wrong names, characters doing things the outline " +
		"contradicts, or subjects that do not exist. Correct only those inconsistencies and keep the " +
		"described motion untouched. Reply with the corrected prompt only.\n")
	if len(refs) > 0 {
		b.WriteString("\nDeclared characters: ")
		for i, ref := range refs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ref.Tag)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nStory outline:\n%s\n\nVideo prompt:\n%s", outline, current)
	return b.String()
}

// extendPrompt generates a shot using the previous shot's image as the
// primary visual reference, for continuity-sensitive corrections.
func extendPrompt(base string) string {
	return "Using the attached image as the immediately preceding frame, generate the next frame: " +
		base + "\nKeep characters, wardrobe, lighting and location continuous with the attached frame."
}

// upscalePrompt regenerates at higher fidelity without changing composition.
const upscalePrompt = "Recreate the attached image at maximum fidelity and detail. Preserve the exact " +
	"composition and framing. Add no elements, remove no elements; only enhance sharpness, texture " +
	"and lighting quality."
