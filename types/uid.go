package types

import "strings"

// ApplicationContextUID is the DICOM application context name.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// ImplementationClassUID identifies this gateway in A-ASSOCIATE user information.
const ImplementationClassUID = "1.2.826.0.1.3680043.10.1045.1"

// ImplementationVersionName is sent alongside ImplementationClassUID.
const ImplementationVersionName = "DICOMGW_1.0"

// SOP classes used by the gateway itself
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	PatientRootQueryRetrieveInformationModelMove      = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootQueryRetrieveInformationModelMove        = "1.2.840.10008.5.1.4.1.2.2.2"
	PatientStudyOnlyQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.3.2"

	CTImageStorage               = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage               = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"
)

// Transfer syntaxes
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	JPEGBaseline8Bit       = "1.2.840.10008.1.2.4.50"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
)

const storageSOPClassRoot = "1.2.840.10008.5.1.4.1.1."

// IsStorageSOPClass reports whether uid belongs to the Storage Service Class,
// including classes added to the standard after this code was written.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassRoot)
}

// IsMoveSOPClass reports whether uid is a Query/Retrieve MOVE information model.
func IsMoveSOPClass(uid string) bool {
	switch uid {
	case PatientRootQueryRetrieveInformationModelMove,
		StudyRootQueryRetrieveInformationModelMove,
		PatientStudyOnlyQueryRetrieveInformationModelMove:
		return true
	}
	return false
}

// TrimUID strips the NUL/space padding DICOM applies to odd-length UIDs.
func TrimUID(uid string) string {
	return strings.TrimRight(uid, "\x00 ")
}
