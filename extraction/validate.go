package extraction

import (
	"fmt"
	"slices"
	"strings"

	"github.com/proethica/proethica/chunker"
)

// validateProvision requires a provision code, taken from the code
// attribute or, failing that, from the label.
func validateProvision(c *Candidate) error {
	code := chunker.NormalizeCode(AttrString(c.Attributes, "code"))
	if code == "" {
		if codes := chunker.ProvisionCodes(c.Label); len(codes) > 0 {
			code = codes[0]
		}
	}
	if code == "" {
		return fmt.Errorf("provision %q has no code", c.Label)
	}
	c.Attributes["code"] = code
	return nil
}

// validateTransformation rejects classifications outside
// TransformationTypes.
func validateTransformation(c *Candidate) error {
	v := strings.ToLower(strings.TrimSpace(AttrString(c.Attributes, "transformation_type")))
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(c.Label))
	}
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	if !slices.Contains(TransformationTypes, v) {
		return fmt.Errorf("%w: transformation type %q", ErrMalformedResponse, v)
	}
	c.Attributes["transformation_type"] = v
	return nil
}

// fillActionLabel defaults the action reference of a causal link to its
// label.
func fillActionLabel(c *Candidate) error {
	if AttrString(c.Attributes, "action") == "" {
		c.Attributes["action"] = c.Label
	}
	return nil
}
