package model

import "fmt"

// ValidateRequest checks order parameters before any state is created.
func ValidateRequest(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: invalid side %q", ErrValidation, req.Side)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, req.Qty)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: invalid order type %q", ErrValidation, req.Type)
	}
	if req.Type.NeedsLimitPrice() && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return fmt.Errorf("%w: %s order requires a positive limit price", ErrValidation, req.Type)
	}
	if req.Type.NeedsAuxPrice() && (req.AuxPrice == nil || !req.AuxPrice.IsPositive()) {
		return fmt.Errorf("%w: %s order requires a stop price", ErrValidation, req.Type)
	}
	if req.Type.IsTrailing() {
		if req.TrailingAmt == nil || !req.TrailingAmt.IsPositive() {
			return fmt.Errorf("%w: %s order requires a positive trailing amount", ErrValidation, req.Type)
		}
		if req.TrailingType != TrailAbsolute && req.TrailingType != TrailPercent {
			return fmt.Errorf("%w: invalid trailing type %q", ErrValidation, req.TrailingType)
		}
	}
	if req.TIF != "" && !req.TIF.Valid() {
		return fmt.Errorf("%w: invalid time in force %q", ErrValidation, req.TIF)
	}
	if req.TIF == TIFGTD && req.ExpireAt == nil {
		return fmt.Errorf("%w: GTD order requires an expiry", ErrValidation)
	}
	return nil
}
