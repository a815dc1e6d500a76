package imaging

// PSF is the point-spread capability an exposure supplies.
type PSF interface {
	// ComputeImage renders the PSF centred at sub-pixel (x, y). The stamp is
	// in parent coordinates and integrates to one before any truncation.
	ComputeImage(x, y float64) *Image
	// Sigma is the characteristic width in pixels (determinant radius of the
	// second moments).
	Sigma() float64
}

// Exposure is a masked image together with its PSF.
type Exposure struct {
	*MaskedImage
	PSF PSF
}

// NewExposure wraps mi and psf.
func NewExposure(mi *MaskedImage, psf PSF) *Exposure {
	return &Exposure{MaskedImage: mi, PSF: psf}
}
