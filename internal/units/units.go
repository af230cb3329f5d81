// Package units holds the Rydberg atomic-unit constants shared by the
// lattice-dynamics code. Energies are Ry, lengths Bohr, masses in units of
// half the electron mass (Ry convention), so hbar = 1 throughout.
package units

const (
	// RyToCm converts a phonon frequency from Ry to cm^-1.
	RyToCm = 109737.36

	// RyToK converts an energy from Ry to Kelvin.
	RyToK = 157887.32

	// KToRy is the Boltzmann constant in Ry/K.
	KToRy = 1.0 / RyToK

	// BohrToAngstrom converts a length from Bohr to Angstrom.
	BohrToAngstrom = 0.529177249

	// UmaToRy converts an atomic mass from unified mass units to the
	// Ry mass unit (2 * electron mass).
	UmaToRy = 911.444175

	// RyToGPa converts a pressure from Ry/Bohr^3 to GPa.
	RyToGPa = 14710.5076
)
