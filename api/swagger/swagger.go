package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Image Attribute API",
        "description": "Ingests photos, extracts physical attributes through a classifier and searches them.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": ["http", "https"],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Images", "description": "Image ingestion and attribute search"},
        {"name": "Ops", "description": "Health and readiness"}
    ],
    "paths": {
        "/images": {
            "get": {
                "tags": ["Images"],
                "summary": "Search images by attributes",
                "description": "Criteria are AND-composed. Results are ordered newest first and carry every attribute.",
                "produces": ["application/json"],
                "parameters": [
                    {"name": "hair_color", "in": "query", "type": "string", "description": "Substring of the Hair Color attribute"},
                    {"name": "eye_color", "in": "query", "type": "string", "description": "Substring of the Eye Color attribute"},
                    {"name": "tattoos", "in": "query", "type": "boolean", "description": "Only images with Tattoos = Yes"},
                    {"name": "earrings", "in": "query", "type": "boolean", "description": "Only images with Earrings = Yes"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ImageListEnvelope"}},
                    "400": {"description": "Invalid filters", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Images"],
                "summary": "Upload an image for attribute extraction",
                "security": [{"BearerAuth": []}],
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "image", "in": "formData", "type": "file", "required": true, "description": "jpeg, png or gif"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ImageEnvelope"}},
                    "400": {"description": "Invalid upload", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Not a human body or API failed.", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/images/export": {
            "get": {
                "tags": ["Images"],
                "summary": "Export search results",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]},
                    {"name": "hair_color", "in": "query", "type": "string"},
                    {"name": "eye_color", "in": "query", "type": "string"},
                    {"name": "tattoos", "in": "query", "type": "boolean"},
                    {"name": "earrings", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Rendered document", "schema": {"type": "file"}},
                    "400": {"description": "Unsupported format", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/images/{id}": {
            "get": {
                "tags": ["Images"],
                "summary": "Get one image with attributes",
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ImageEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Images"],
                "summary": "Delete an image and its attributes",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/images/{id}/file": {
            "get": {
                "tags": ["Images"],
                "summary": "Download the stored image via signed token",
                "produces": ["image/jpeg", "image/png", "image/gif"],
                "parameters": [
                    {"name": "id", "in": "path", "type": "integer", "required": true},
                    {"name": "token", "in": "query", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "Image bytes", "schema": {"type": "file"}},
                    "403": {"description": "Invalid or expired token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Attribute": {
            "type": "object",
            "properties": {
                "key": {"type": "string", "example": "Eye Color"},
                "value": {"type": "string", "example": "Blue"}
            }
        },
        "Image": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "filePath": {"type": "string"},
                "contentType": {"type": "string"},
                "sizeBytes": {"type": "integer"},
                "checksum": {"type": "string"},
                "createdAt": {"type": "string", "format": "date-time"},
                "updatedAt": {"type": "string", "format": "date-time"},
                "fileUrl": {"type": "string"},
                "fileExpiresAt": {"type": "string", "format": "date-time"},
                "attributes": {"type": "array", "items": {"$ref": "#/definitions/Attribute"}}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "field": {"type": "string"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        },
        "ImageEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/Image"}
            }
        },
        "ImageListEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "array", "items": {"$ref": "#/definitions/Image"}},
                "meta": {
                    "type": "object",
                    "properties": {
                        "count": {"type": "integer"},
                        "cache_hit": {"type": "boolean"},
                        "processing_time_ms": {"type": "integer"},
                        "filters": {"type": "object"}
                    }
                }
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
