// Package dipole fits and classifies dipole residuals in difference images.
//
// A dipole is a positive and a negative PSF-shaped lobe sitting next to each
// other, left behind by a moving source or an imperfect subtraction. For one
// candidate footprint the Fitter:
//
//  1. crops the difference image (and, when given, the pre-subtraction
//     positive and negative images) to the footprint bounding box;
//  2. optionally estimates a low-order background gradient from the
//     pre-subtraction pixels just outside the footprint (FitBackground);
//  3. minimizes weighted residuals between the pixels and Model with a
//     bounded Levenberg–Marquardt solver;
//  4. re-runs on the difference image alone when the constrained fit looks
//     unreliable;
//  5. derives a FitSummary (centroids, fluxes, orientation, chi-square,
//     signal-to-noise).
//
// Classifier turns a FitSummary into a dipole / not-a-dipole decision.
//
// Fits share no state: one Fitter may be used from many goroutines.
// No SQL, plotting or file I/O belongs in this package; diagnostics are
// exposed through the DiagnosticsSink hook.
package dipole
