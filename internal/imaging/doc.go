// Package imaging holds the pixel containers the dipole fitter works on:
// float images with parent-coordinate bounds, masked images carrying
// variance and mask planes, detection footprints with their peaks, and the
// PSF capability an exposure supplies.
//
// Bounding boxes are image.Rectangle values in parent pixel coordinates
// (Min inclusive, Max exclusive). Pixel (x, y) covers [x-0.5, x+0.5) so a
// source centred on a pixel has an integer centroid.
//
// No fitting logic lives here; see internal/dipole.
package imaging
